// Package web3 houses the blockchain primitives the agent needs on Theta:
// a key-holding signer for EIP-191 messages and EIP-155 transactions, the
// network presets for the Theta EVM chains, and the narrow backend
// interface the deployment pipeline drives.
package web3
