/*
Package claimq documents the claimq module.

This module is CLI-first and ships the claimq command:

	go install github.com/nuetzliches/claimq/cmd/claimq@latest

Most implementation packages in this repository are internal and are not a
stable public Go API.
*/
package claimq
