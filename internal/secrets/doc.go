// Package secrets redacts credentials from record text before it is stored.
//
// Detection combines a small set of regexp rules for the formats agents most
// often leak into action logs (cloud keys, API tokens, private keys, bearer
// headers, connection strings) with the gitleaks default rule set. Matches are
// replaced with a redaction marker; the rule ids are reported so callers can
// log what was removed without logging the secret itself.
package secrets
