// Package secrets redacts credentials from agent-produced documents.
//
// Detection uses the Gitleaks default rule set. Every finding is replaced
// with a [REDACTED:rule-id] marker before the document is persisted, so a
// leaked credential never reaches the working or committed document. Only
// rule metadata and lengths are kept for logging.
package secrets
