package main

import "github.com/ValentinKolb/dTablet/cmd"

func main() {
	cmd.Execute()
}
