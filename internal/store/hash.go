package store

import (
	"fmt"
	"strconv"

	"github.com/zeebo/xxh3"
)

// Content hashes identify a resource by what it is, not by its row id, so
// repeated imports of the same inventory line dedupe on the UNIQUE(hash)
// constraint.

// HashAccount hashes an account's identity (the username).
func HashAccount(username string) string {
	return hash64("account\x00" + username)
}

// HashCard hashes a card's identity (number + expiry).
func HashCard(number string, expMonth, expYear int) string {
	return hash64("card\x00" + number + "\x00" + strconv.Itoa(expMonth) + "/" + strconv.Itoa(expYear))
}

// HashProxy hashes a proxy's identity (protocol + endpoint).
func HashProxy(protocol, host string, port int) string {
	return hash64("proxy\x00" + protocol + "\x00" + host + ":" + strconv.Itoa(port))
}

// HashMailbox hashes a mailbox's identity (the address).
func HashMailbox(address string) string {
	return hash64("mailbox\x00" + address)
}

// HashTask hashes a task's identity (type + payload).
func HashTask(taskType, payloadJSON string) string {
	return hash64("task\x00" + taskType + "\x00" + payloadJSON)
}

func hash64(s string) string {
	return fmt.Sprintf("%016x", xxh3.HashString(s))
}
