package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/agentsh/autoapprove/internal/cli"
)

var version = "dev"
var commit = "unknown"

func versionString() string {
	v := strings.TrimSpace(version)
	if v == "" {
		v = "dev"
	}
	c := strings.TrimSpace(commit)
	if c == "" || strings.EqualFold(c, "unknown") || strings.Contains(v, c) {
		return v
	}
	return v + "+" + c
}

func main() {
	if err := cli.NewRoot(versionString()).ExecuteContext(context.Background()); err != nil {
		var ee *cli.ExitError
		if errors.As(err, &ee) {
			// Verdict exits carry no message; stdout already holds the decision.
			if msg := ee.Message(); msg != "" {
				fmt.Fprintln(os.Stderr, msg)
			}
			os.Exit(ee.Code())
		}
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
