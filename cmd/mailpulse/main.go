// mailpulse ingests Gmail push notifications, reconciles mailbox history and
// exposes an API to send mail.
package main

import "github.com/c64dev/mailpulse/internal/app"

func main() {
	app.Execute()
}
