package main

import (
	"flag"
	"testing"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func TestPrepareAppInstallsLogger(t *testing.T) {
	set := flag.NewFlagSet("wxctl", flag.ContinueOnError)
	set.Bool("verbose", false, "")
	if err := set.Parse([]string{"--verbose"}); err != nil {
		t.Fatal(err)
	}
	ctx := cli.NewContext(cli.NewApp(), set, nil)
	if getLogger(ctx).GetLevel() != zerolog.Disabled {
		t.Error("expected a disabled logger before the app is prepared")
	}
	if err := prepareApp(ctx); err != nil {
		t.Fatal(err)
	}
	log := getLogger(ctx)
	if log.GetLevel() != zerolog.DebugLevel {
		t.Errorf("logger level = %s, want debug", log.GetLevel())
	}
	getLogger(ctx).Debug().Msg("logger is usable")
}
