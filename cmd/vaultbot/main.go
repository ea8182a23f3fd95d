// vaultbot — markdown-vault LLM task orchestrator.
package main

import "github.com/ppiankov/vaultbot/internal/cli"

func main() {
	cli.Execute()
}
