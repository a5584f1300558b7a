// Command aeonctl manages aeon volume images.
package main

func main() {
	execute()
}
