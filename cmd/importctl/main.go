// Command importctl runs the import pipeline from the command line: inspect
// how a file would be parsed and mapped, import it end to end, or look up a
// session stored in Postgres.
package main

func main() {
	Execute()
}
