// Command streamcrawler runs the crawl scheduler.
package main

import "github.com/JakeFAU/streamcrawler/cmd"

func main() {
	cmd.Execute()
}
