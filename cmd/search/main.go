// Command search is an interactive station lookup. Each line read from stdin
// is treated as the current contents of a search box; lookups are debounced
// and only the newest query's results are printed.
package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/air-alert-service/internal/client"
	"github.com/kjstillabower/air-alert-service/internal/config"
	"github.com/kjstillabower/air-alert-service/internal/observability"
	"github.com/kjstillabower/air-alert-service/internal/search"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.LoadWithoutToken()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	searcher := client.NewStationSearch(cfg.WAQIToken, cfg.WAQIURL, cfg.WAQITimeout, logger)
	debouncer := search.New(searcher, cfg.SearchDebounce, logger)
	debouncer.OnChange(func(s search.State) {
		switch {
		case s.Searching:
			fmt.Printf("searching %q...\n", s.Query)
		case s.Err != "":
			fmt.Println(s.Err)
		case s.Query == "":
		default:
			fmt.Printf("%d result(s) for %q\n", len(s.Results), s.Query)
			for _, st := range s.Results {
				if st.Geo != nil {
					fmt.Printf("  %s (%s)\n", st.Name, st.Geo)
				} else {
					fmt.Printf("  %s\n", st.Name)
				}
			}
		}
	})

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		debouncer.OnInput(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Error("read stdin", zap.Error(err))
	}

	// Let the last query settle before shutting down.
	time.Sleep(cfg.SearchDebounce + cfg.WAQITimeout)
	debouncer.Close()
}
