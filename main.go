package main

import "github.com/shanrichard/browserFairy/cmd"

func main() {
	cmd.Execute()
}
