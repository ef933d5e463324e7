// netcore runs the mesh peering, link-state routing and WiMAX uplink models from the command line
package main

func main() {
	Execute()
}
