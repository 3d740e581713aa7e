package main

import "github.com/Bukutsu/la-vak/cmd"

func main() {
	cmd.Execute()
}
