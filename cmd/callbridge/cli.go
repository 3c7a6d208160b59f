package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Mindburn-Labs/callbridge/pkg/annotate"
	"github.com/Mindburn-Labs/callbridge/pkg/api"
	"github.com/Mindburn-Labs/callbridge/pkg/auth"
	"github.com/Mindburn-Labs/callbridge/pkg/commerce"
	"github.com/Mindburn-Labs/callbridge/pkg/config"
	"github.com/Mindburn-Labs/callbridge/pkg/notify"
	"github.com/Mindburn-Labs/callbridge/pkg/pipeline"
	"github.com/Mindburn-Labs/callbridge/pkg/resolver"
	"github.com/Mindburn-Labs/callbridge/pkg/util/resiliency"
	"github.com/Mindburn-Labs/callbridge/pkg/versioning"
)

const (
	tokenIssuer = "callbridge"
	roleOps     = "ops"
)

// loadConfig is swapped in tests.
var loadConfig = config.Load

func runHealthCmd(args []string, stdout, stderr io.Writer) int {
	cfg := loadConfig()
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	url := fs.String("url", "http://localhost:"+cfg.Port+"/health", "health endpoint")
	timeout := fs.Duration("timeout", 5*time.Second, "request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	client := resiliency.NewEnhancedClient("health", resiliency.WithTimeout(*timeout), resiliency.WithMaxRetries(0))
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, *url, nil)
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "Health check failed: status %d\n%s\n", resp.StatusCode, strings.TrimSpace(string(body)))
		return 1
	}
	fmt.Fprintln(stdout, "OK")
	return 0
}

func runVersionCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("version", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "print as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	info, err := versioning.Current(loadConfig().Version)
	if err != nil {
		fmt.Fprintf(stderr, "invalid version: %v\n", err)
		return 1
	}
	if *asJSON {
		data, _ := json.MarshalIndent(info, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}
	fmt.Fprintf(stdout, "callbridge %s (api %s)\n", info.Version, info.API)
	return 0
}

func runDNCCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || (args[0] != "add" && args[0] != "list") {
		fmt.Fprintln(stderr, "Usage: callbridge dnc <add PHONE...|list>")
		return 2
	}
	if args[0] == "add" && len(args) < 2 {
		fmt.Fprintln(stderr, "Usage: callbridge dnc add PHONE...")
		return 2
	}

	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "invalid configuration: %v\n", err)
		return 2
	}
	ctx := context.Background()
	a := newApp()
	defer a.Close()
	reg, err := openRegistry(ctx, cfg, a, map[string]api.HealthCheck{})
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if args[0] == "list" {
		phones, err := reg.List(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		for _, p := range phones {
			fmt.Fprintln(stdout, p)
		}
		return 0
	}

	code := 0
	for _, phone := range args[1:] {
		if err := reg.Add(ctx, phone); err != nil {
			fmt.Fprintf(stderr, "%s: %v\n", phone, err)
			code = 1
			continue
		}
		fmt.Fprintf(stdout, "added %s\n", phone)
	}
	return code
}

func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	sub := fs.String("sub", "", "token subject (REQUIRED)")
	roles := fs.String("roles", "", "comma-separated roles, e.g. ops")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *sub == "" {
		fmt.Fprintln(stderr, "Error: --sub is required")
		return 2
	}

	v, err := auth.NewJWTValidator(loadConfig().JWTSecret, tokenIssuer)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v (set JWT_SECRET)\n", err)
		return 1
	}
	var list []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			list = append(list, r)
		}
	}
	token, err := v.Issue(*sub, list, *ttl, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, token)
	return 0
}

// runPoliciesCmd loads a policy file and compiles every flow's tier rules
// against an empty storefront.
func runPoliciesCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("policies", flag.ContinueOnError)
	fs.SetOutput(stderr)
	path := fs.String("file", loadConfig().PoliciesPath, "policy file")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *path == "" {
		fmt.Fprintln(stderr, "Error: --file is required")
		return 2
	}

	pf, err := config.LoadPolicies(*path)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	policies, def, err := convertPolicies(pf)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	mem := commerce.NewMemoryBackend()
	if _, err := pipeline.New(pipeline.Deps{
		Backend:    mem,
		Resolver:   resolver.New(mem, mem, resolver.DefaultConfig()),
		Dispatcher: notify.New(nil, nil, nil, notify.Config{}),
		Annotator:  annotate.New(mem, nil),
	}, policies, def); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "%s: %d flows, default %s\n", *path, len(policies), def)
	return 0
}
