package main

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/amialone/moderation/keyword"

	"github.com/urfave/cli/v2"
)

func main() {
	app := cli.App{
		Name:  "kw-cli",
		Usage: "informal debugging CLI tool for keyword matching",
	}
	app.Commands = []*cli.Command{
		&cli.Command{
			Name:   "match",
			Usage:  "reads lines of text from stdin, runs blocklist and pattern matching, outputs matches",
			Action: runMatch,
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:    "blocklist-file",
					Usage:   "path to blocklist file (one term per line); defaults to the built-in list",
					EnvVars: []string{"BLOCKLIST_PATH"},
				},
			},
		},
		&cli.Command{
			Name:   "tokens",
			Usage:  "reads lines of text from stdin, outputs normalized tokens",
			Action: runTokens,
		},
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(h))
	if err := app.Run(os.Args); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(-1)
	}
}

func runMatch(cctx *cli.Context) error {
	terms := keyword.DefaultBlocklist()
	if p := cctx.String("blocklist-file"); p != "" {
		var err error
		terms, err = keyword.LoadBlocklistFile(p)
		if err != nil {
			return err
		}
	}
	m := keyword.NewMatcher(terms, keyword.DefaultPatterns())
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		matches := m.Match(line)
		if len(matches) > 0 {
			fmt.Printf("MATCH\t%s\t%s\n", strings.Join(keyword.Labels(matches), ","), line)
		}
	}
	return scanner.Err()
}

func runTokens(cctx *cli.Context) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Printf("%s\t%s\n", strings.Join(keyword.TokenizeText(line), " "), line)
	}
	return scanner.Err()
}
