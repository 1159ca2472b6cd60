// Command registrar serves the bulk product registration API.
package main

import "github.com/JakeFAU/bulk-registrar/cmd"

func main() {
	cmd.Execute()
}
