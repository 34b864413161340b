package main

import "github.com/NamanBalaji/bdm/cmd"

func main() {
	cmd.Execute()
}
