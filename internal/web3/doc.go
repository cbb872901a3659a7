// Package web3 describes the read-only view the guard has of the rental
// token contract: who owns an agent, who currently operates it, whether it
// is an instance and which template it was bound from. The ethereum
// subpackage answers those questions from chain state; MemoryOracle answers
// them from a static table.
package web3
