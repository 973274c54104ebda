package main

import "github.com/frahmantamala/fiscal-receipts/cmd"

func main() {
	cmd.Execute()
}
