package main

import "github.com/knoguchi/medrag/internal/cli"

func main() {
	cli.Execute()
}
