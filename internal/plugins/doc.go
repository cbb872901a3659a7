// Package plugins implements the rule modules the guard composes per
// template and instance.
//
// Lookups are two-level: an instance's own configuration is consulted first,
// then the template it was bound from. Block entries win over allow entries
// at both levels. Unconfigured state is handled per module:
//
//   - token_whitelist passes everything through when neither level has an
//     allow-list (fail-open);
//   - dex_whitelist, defi_guard and spending_limit reject when unconfigured
//     (fail-closed).
//
// The asymmetry is intentional and covered by tests.
package plugins
