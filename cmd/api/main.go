package main

import (
	"factorfolio/cmd"
	"log"
	"os"
)

func main() {
	if hash := os.Getenv("commit_hash"); hash != "" {
		log.Printf("commit %s", hash)
	}
	apiHandler, err := cmd.InitializeDependencies()
	if err != nil {
		log.Fatal(err)
	}
	defer cmd.CloseDependencies(apiHandler)

	err = apiHandler.StartApi(apiHandler.Port)
	if err != nil {
		log.Fatal(err)
	}
}
