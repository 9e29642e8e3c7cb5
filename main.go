package main

import "github.com/xiaot623/livesession/internal/cli"

func main() {
	cli.Execute()
}
