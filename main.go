package main

func main() {
	runCLI()
}
