package main

import (
	"flag"
	"log"

	"github.com/danmuck/wabridge/internal/config"
)

const defaultPath = "cmd/wabridge/config.toml"

func main() {
	output := flag.String("output", defaultPath, "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", defaultPath, "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if err := config.CheckFile(*input); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated wabridge config at %s", *input)
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote wabridge config template to %s", *output)
}
