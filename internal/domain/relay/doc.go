/*
Package relay forwards queries across context boundaries.

Three relays sit between a page and the kernel:

	page --bridge--> background --> kernel
	                 (bootloader holds traffic until the kernel is up)

A relay never interprets what it forwards. It records which downstream sent
each nonce, delivers the upstream's responses back to that downstream and
forgets the route on the terminal response.
*/
package relay
