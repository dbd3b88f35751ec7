package main

import "github.com/JakeFAU/headless-job-runner/cmd"

func main() {
	cmd.Execute()
}
