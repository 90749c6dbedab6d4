// Package vaultctl implements the operational command line for the vault:
// retention sweeps, subject purges and key rotation.
package vaultctl
