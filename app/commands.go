package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/fatih/color"
	"github.com/fluxcapacitor2/easylink/app/database"
	"github.com/fluxcapacitor2/easylink/app/filter"
	"github.com/fluxcapacitor2/easylink/app/index"
	"github.com/fluxcapacitor2/easylink/app/ingest"
	"github.com/fluxcapacitor2/easylink/app/match"
	"github.com/fluxcapacitor2/easylink/app/server"
	"github.com/urfave/cli/v2"
)

var sessionFlag = &cli.StringFlag{
	Name:     "session",
	Aliases:  []string{"s"},
	Usage:    "crawl session ID",
	Required: true,
}

var commands = []*cli.Command{
	{
		Name:   "serve",
		Usage:  "Start the HTTP API",
		Action: serveAction,
	},
	{
		Name:      "ingest",
		Usage:     "Import crawl records from a JSON-lines file (or - for stdin)",
		ArgsUsage: "<file.jsonl>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "store every record in this session instead of the one it names"},
		},
		Action: ingestAction,
	},
	{
		Name:   "generate",
		Usage:  "Embed every eligible page in a session that doesn't have a current embedding",
		Flags:  []cli.Flag{sessionFlag},
		Action: generateAction,
	},
	{
		Name:  "coverage",
		Usage: "Report how many eligible pages have usable embeddings",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "crawl session ID (default: every session)"},
		},
		Action: coverageAction,
	},
	{
		Name:      "suggest",
		Usage:     "Suggest pages to link an anchor phrase to",
		ArgsUsage: "<anchor text>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "max", Aliases: []string{"n"}, Usage: "maximum number of suggestions (default: suggestions.maxResults)"},
		},
		Action: suggestAction,
	},
	{
		Name:      "extract",
		Usage:     "Find anchor phrases in a text file (or - for stdin)",
		ArgsUsage: "<file>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "max", Aliases: []string{"n"}, Value: 20, Usage: "maximum number of anchor candidates"},
			&cli.BoolFlag{Name: "suggest", Usage: "also suggest pages for every candidate"},
		},
		Action: extractAction,
	},
	{
		Name:  "pages",
		Usage: "List the pages in a session",
		Flags: []cli.Flag{
			sessionFlag,
			&cli.BoolFlag{Name: "excluded", Usage: "only list excluded pages"},
		},
		Action: pagesAction,
	},
	{
		Name:      "exclude",
		Usage:     "Exclude pages from link suggestions",
		ArgsUsage: "<page ID>...",
		Action:    eligibilityAction(true),
	},
	{
		Name:      "include",
		Usage:     "Make pages eligible for link suggestions again",
		ArgsUsage: "<page ID>...",
		Action:    eligibilityAction(false),
	},
	{
		Name:      "bulk",
		Usage:     `Apply a JSON array of {"id", "excluded"} updates from a file (or - for stdin)`,
		ArgsUsage: "<file.json>",
		Action:    bulkAction,
	},
}

var (
	bold    = color.New(color.Bold).SprintFunc()
	green   = color.New(color.FgGreen).SprintFunc()
	yellow  = color.New(color.FgYellow).SprintFunc()
	red     = color.New(color.FgRed).SprintFunc()
	faint   = color.New(color.Faint).SprintFunc()
	heading = color.New(color.FgCyan, color.Bold).SprintFunc()
)

func serveAction(c *cli.Context) error {
	ctx, cancel, env, err := setup(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer env.Close()

	// Regenerate embeddings on a schedule, if enabled
	if env.config.Regenerate.Enabled {
		scheduler, err := startRegenerateJob(ctx, env.index, env.config.Regenerate)
		if err != nil {
			return err
		}
		defer scheduler.Shutdown()
	}

	return server.New(env.config, env.engine, env.store, env.index, env.ranker, env.extractor).Start(ctx)
}

func openInput(name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(name)
}

func ingestAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("expected exactly one input file", 2)
	}

	ctx, cancel, env, err := setup(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer env.Close()

	file, err := openInput(c.Args().First())
	if err != nil {
		return err
	}
	defer file.Close()

	result, err := ingest.Ingest(ctx, env.db, file, c.String("session"))
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return printJSON(result)
	}
	fmt.Printf("Read %v records, stored %v pages\n", bold(result.Read), green(result.Stored))
	for _, r := range result.Rejected {
		fmt.Printf("  %v line %v: %v\n", yellow("skipped"), r.Line, r.Reason)
	}
	return nil
}

func generateAction(c *cli.Context) error {
	ctx, cancel, env, err := setup(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer env.Close()

	result, err := env.index.GenerateSession(ctx, c.String("session"))
	if result != nil {
		if c.Bool("json") {
			printJSON(result)
		} else {
			printGenerateResult(result)
		}
	}
	return err
}

func printGenerateResult(result *index.GenerateResult) {
	fmt.Printf("%v generated, %v already current, %v excluded\n", green(result.Generated), result.Skipped, result.Excluded)
	if result.Failed > 0 {
		fmt.Printf("%v failed:", red(result.Failed))
		for _, kind := range slices.Sorted(maps.Keys(result.FailuresByKind)) {
			fmt.Printf(" %v=%v", kind, result.FailuresByKind[kind])
		}
		fmt.Println()
	}
	if result.StoppedBy != "" {
		fmt.Printf("%v (%v); %v pages were not attempted\n", yellow("Stopped early"), result.StoppedBy, result.NotAttempted)
	}
}

func coverageAction(c *cli.Context) error {
	ctx, cancel, env, err := setup(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer env.Close()

	coverage, err := env.index.Coverage(ctx, c.String("session"))
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return printJSON(coverage)
	}
	fmt.Printf("%v of %v eligible pages have a usable embedding\n", bold(coverage.PagesWithEmbeddings), bold(coverage.TotalPages))
	for _, issue := range coverage.Issues {
		fmt.Printf("  %v %v\n", yellow("!"), issue)
	}
	return nil
}

func suggestAction(c *cli.Context) error {
	anchorText := strings.Join(c.Args().Slice(), " ")

	ctx, cancel, env, err := setup(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer env.Close()

	maxSuggestions := env.config.Suggestions.MaxResults
	if c.IsSet("max") {
		maxSuggestions = c.Int("max")
	}

	suggestions, err := env.ranker.Suggest(ctx, anchorText, maxSuggestions)
	if err != nil {
		return err
	}

	if c.Bool("json") {
		return printJSON(suggestions)
	}
	printSuggestions(suggestions)
	return nil
}

func printSuggestions(suggestions []match.Suggestion) {
	if len(suggestions) == 0 {
		fmt.Println(faint("  No pages are similar enough"))
		return
	}
	for _, s := range suggestions {
		fmt.Printf("  %2d. %v %v\n      %v\n", s.Rank, bold(s.Title), faint(fmt.Sprintf("(%.3f)", s.Similarity)), s.URL)
	}
}

func extractAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("expected exactly one input file", 2)
	}

	ctx, cancel, env, err := setup(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer env.Close()

	file, err := openInput(c.Args().First())
	if err != nil {
		return err
	}
	defer file.Close()

	text, err := io.ReadAll(file)
	if err != nil {
		return err
	}

	if !c.Bool("suggest") {
		candidates, err := env.extractor.Extract(ctx, string(text), c.Int("max"))
		if err != nil {
			return err
		}
		if c.Bool("json") {
			return printJSON(candidates)
		}
		for _, candidate := range candidates {
			fmt.Println(candidate)
		}
		return nil
	}

	results, err := env.ranker.SuggestAll(ctx, string(text), c.Int("max"), env.config.Suggestions.MaxResults)
	if c.Bool("json") {
		printJSON(results)
	} else {
		for _, r := range results {
			fmt.Println(heading(r.Anchor))
			printSuggestions(r.Suggestions)
		}
	}
	return err
}

func pagesAction(c *cli.Context) error {
	ctx, cancel, env, err := setup(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer env.Close()

	list, err := env.store.List(ctx, c.String("session"))
	if err != nil {
		return err
	}

	if c.Bool("excluded") {
		filtered := []database.Page{}
		for _, p := range list {
			if p.Excluded {
				filtered = append(filtered, p)
			}
		}
		list = filtered
	}

	if c.Bool("json") {
		return printJSON(list)
	}
	for _, p := range list {
		status := green("eligible")
		if p.Excluded {
			status = red("excluded")
			if len(p.ExcludedBy) > 0 {
				status += faint(" by " + strings.Join(p.ExcludedBy, ", "))
			}
		}
		fmt.Printf("%v  %v  %v\n    %v\n", faint(p.ID), status, bold(p.Title), p.URL)
	}
	return nil
}

func eligibilityAction(excluded bool) cli.ActionFunc {
	return func(c *cli.Context) error {
		ctx, cancel, env, err := setup(c)
		if err != nil {
			return err
		}
		defer cancel()
		defer env.Close()

		var result *filter.Result
		if excluded {
			result, err = env.engine.ApplyExclusions(ctx, c.Args().Slice())
		} else {
			result, err = env.engine.RemoveExclusions(ctx, c.Args().Slice())
		}
		if result != nil {
			printResult(c, result)
		}
		return err
	}
}

func bulkAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.Exit("expected exactly one input file", 2)
	}

	file, err := openInput(c.Args().First())
	if err != nil {
		return err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	updates, err := filter.ParseBulk(data)
	if err != nil {
		return err
	}

	ctx, cancel, env, err := setup(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer env.Close()

	result, err := env.engine.ApplyBulk(ctx, updates)
	if result != nil {
		printResult(c, result)
	}
	return err
}

func printResult(c *cli.Context, result *filter.Result) {
	if c.Bool("json") {
		printJSON(result)
		return
	}

	verb := "included"
	switch {
	case result.Operation == filter.OperationBulk:
		verb = "updated"
	case result.Excluded:
		verb = "excluded"
	}
	fmt.Printf("%v %v, %v unchanged\n", green(len(result.Updated)), verb, len(result.Unchanged))
	for _, f := range result.Failed {
		fmt.Printf("  %v %v: %v\n", red("failed"), f.ID, f.Reason)
	}
}

func printJSON(v any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
