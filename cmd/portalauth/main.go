// Command portalauth logs in to a data portal from the terminal: it runs the
// OpenID Connect redirect through the system browser, registers the visitor
// if needed and walks through TOTP setup and confirmation.
package main

func main() {
	Execute()
}
