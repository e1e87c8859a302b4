package main

import "github.com/vietddude/paywatcher/internal/cli"

func main() {
	cli.Execute()
}
