// Package util provides small helpers shared by the oidc-core packages.
//
// Key utilities:
//   - SafeTruncate: truncates identifiers before they are logged
//   - UniqueFields: splits space-delimited parameters such as scope
package util
