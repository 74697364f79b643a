// Htrules keeps per-directory .htaccess rule files in step with a static
// file cache, driven by cache populate and evict events.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/eugener/htrules/internal/config"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "configs/htrules.yaml", "path to config file")
	showVersion := flag.Bool("version", false, "print version and exit")
	genKey := flag.Bool("gen-key", false, "print a new admin key and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("htrules", version)
		os.Exit(0)
	}
	if *genKey {
		fmt.Println(config.GenerateAdminKey())
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
