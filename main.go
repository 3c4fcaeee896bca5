// Package main serves as the entry point for the batchclassify application.
// It submits unclassified text records to an asynchronous batch inference
// service, tracks the submitted jobs on disk and persists parsed results.
package main

import "batchclassify/cmd"

func main() {
	cmd.Execute()
}
