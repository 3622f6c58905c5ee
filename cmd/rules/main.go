package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yuguogang/mock-exchange/internal/config"
	"github.com/yuguogang/mock-exchange/internal/logging"
	"github.com/yuguogang/mock-exchange/internal/mixer"
	"github.com/yuguogang/mock-exchange/internal/rules"

	"go.uber.org/zap"
)

const usage = `usage: rules [flags] <command> [args]

commands:
  switch <rule> [minutes]   activate a template now for minutes (default 60)
  create <rule>             write a segment from a template (-template, -start, -end, -priority)
  list                      show templates and the segments in the rule set
  status                    show the active rule and recent switches
  test <rule>               preview a template on a sample rate and price
`

func main() {
	configPath := flag.String("config", "", "optional config path; supplies the rule set and target leg")
	ruleSetPath := flag.String("ruleset", "", "rule-set file (overrides mixer.rule_set)")
	template := flag.String("template", "", "template whose ops create copies (defaults to the rule id)")
	start := flag.String("start", "", "segment start, local time YYYY-MM-DD HH:mm")
	end := flag.String("end", "", "segment end, local time YYYY-MM-DD HH:mm")
	priority := flag.Int("priority", 100, "segment priority for create")
	notes := flag.String("notes", "", "segment notes for create")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage); flag.PrintDefaults() }
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := config.LoadEnv(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
	}
	logCfg := config.LoggingConfig{Level: "info"}
	target := rules.DefaultTarget()
	path := *ruleSetPath
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fatal(err)
		}
		logCfg = cfg.Log
		if path == "" {
			path = cfg.Mixer.RuleSet
		}
		leg := cfg.Hedge.LegB()
		target = mixer.Target{
			Exchange: leg.Exchange,
			Symbol:   leg.Symbol,
			Metrics:  []string{mixer.MetricFunding, mixer.MetricPrice},
		}
	}

	// test needs no rule set.
	if args[0] == "test" {
		if len(args) < 2 {
			fatal(errors.New("test requires a rule id"))
		}
		preview, err := rules.PreviewTemplate(args[1])
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%s\n  rate:  %.8f -> %.8f\n  price: %.6f -> %.6f\n",
			args[1], preview.RateBefore, preview.RateAfter, preview.PriceBefore, preview.PriceAfter)
		return
	}

	if path == "" {
		fatal(errors.New("a rule set is required (-ruleset or -config)"))
	}
	log := logging.New(logCfg)
	defer func() { _ = log.Sync() }()
	controller, err := rules.NewController(path, log)
	if err != nil {
		fatal(err)
	}
	controller.SetTarget(target)

	switch args[0] {
	case "switch":
		if len(args) < 2 {
			fatal(errors.New("switch requires a rule id"))
		}
		duration := time.Hour
		if len(args) > 2 {
			minutes, err := parseMinutes(args[2])
			if err != nil {
				fatal(err)
			}
			duration = minutes
		}
		rule, err := controller.Switch(args[1], duration)
		if err != nil {
			fatal(err)
		}
		if err := controller.SaveHistory(); err != nil {
			log.Warn("rule history write failed", zap.Error(err))
		}
		fmt.Printf("switched to %s [%s, %s] priority %d\n", rule.ID, rule.StartLocal, rule.EndLocal, rule.Priority)
	case "create":
		if len(args) < 2 {
			fatal(errors.New("create requires a rule id"))
		}
		tplID := *template
		if tplID == "" {
			tplID = args[1]
		}
		tpl, ok := rules.LookupTemplate(tplID)
		if !ok {
			fatal(fmt.Errorf("%w: %s", rules.ErrUnknownRule, tplID))
		}
		set := controller.Snapshot()
		startTS, err := set.ParseLocal(*start)
		if err != nil {
			fatal(fmt.Errorf("start: %w", err))
		}
		endTS, err := set.ParseLocal(*end)
		if err != nil {
			fatal(fmt.Errorf("end: %w", err))
		}
		text := *notes
		if text == "" {
			text = tpl.Description
		}
		rule, err := controller.Create(args[1], time.UnixMilli(startTS), time.UnixMilli(endTS), tpl.Ops, *priority, text)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("created %s [%s, %s] priority %d\n", rule.ID, rule.StartLocal, rule.EndLocal, rule.Priority)
	case "list":
		fmt.Println("templates:")
		for _, tpl := range rules.Templates() {
			fmt.Printf("  %-18s %s\n", tpl.ID, tpl.Description)
		}
		set := controller.Snapshot()
		fmt.Printf("segments in %s (%s):\n", set.Name, set.Location())
		for _, seg := range set.Segments {
			fmt.Printf("  %-18s [%s, %s] priority %d %s/%s\n",
				seg.ID, seg.StartLocal, seg.EndLocal, seg.Priority, seg.Target.Exchange, seg.Target.Symbol)
		}
	case "status":
		rule, _ := controller.Refresh()
		if rule == nil {
			fmt.Println("active: none")
		} else {
			fmt.Printf("active: %s [%s, %s] %s\n", rule.ID, rule.StartLocal, rule.EndLocal, rule.Notes)
		}
		history := controller.History()
		if len(history) > 10 {
			history = history[len(history)-10:]
		}
		for _, entry := range history {
			fmt.Printf("  %s %s\n", entry.Timestamp, entry.SegmentID)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func parseMinutes(raw string) (time.Duration, error) {
	minutes, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || minutes <= 0 {
		return 0, fmt.Errorf("invalid minutes: %s", raw)
	}
	return time.Duration(minutes) * time.Minute, nil
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
