package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
	"maunium.net/go/mautrix/bridgev2/status"
	"maunium.net/go/mautrix/id"

	"github.com/beeper/bridge-manager/api/beeperapi"
	"github.com/beeper/bridge-manager/api/hungryapi"
	"github.com/beeper/bridge-manager/bridgeconfig"

	"github.com/wxpuppet/mautrix-wechat/pkg/connector"
)

const (
	baseDomain        = "beeper.com"
	defaultBridgeName = "sh-wechat"
)

var tokenFlag = &cli.StringFlag{
	Name:     "token",
	Usage:    "Beeper Matrix access token (syt_...)",
	EnvVars:  []string{"BEEPER_ACCESS_TOKEN"},
	Required: true,
}

var registerCommand = &cli.Command{
	Name:      "register",
	Usage:     "Register a self-hosted WeChat bridge with Beeper and generate its configuration file",
	ArgsUsage: "[BRIDGE]",
	Action:    cmdRegister,
	Flags: []cli.Flag{
		tokenFlag,
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Value:   "-",
			Usage:   "Output file path (- for stdout)",
		},
	},
}

var unregisterCommand = &cli.Command{
	Name:      "unregister",
	Usage:     "Delete a self-hosted WeChat bridge registration",
	ArgsUsage: "[BRIDGE]",
	Action:    cmdUnregister,
	Flags:     []cli.Flag{tokenFlag},
}

// networkConfig nests the connector's example config under the network key
// of the generated bridgev2 config.
func networkConfig() string {
	var sb strings.Builder
	sb.WriteString("network:\n")
	for _, line := range strings.Split(strings.TrimRight(connector.ExampleConfig, "\n"), "\n") {
		if line == "" {
			sb.WriteString("\n")
			continue
		}
		sb.WriteString("    ")
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String()
}

func generateSecret(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func bridgeName(ctx *cli.Context) string {
	if name := ctx.Args().Get(0); name != "" {
		return name
	}
	return defaultBridgeName
}

// beeperClient checks the access token and returns the account username
// with a client for the account's homeserver.
func beeperClient(ctx *cli.Context) (string, string, *hungryapi.Client, error) {
	token := ctx.String("token")
	if !strings.HasPrefix(token, "syt_") {
		return "", "", nil, fmt.Errorf("the access token should start with syt_")
	}
	whoami, err := beeperapi.Whoami(baseDomain, token)
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to get whoami: %w", err)
	}
	username := whoami.UserInfo.Username
	return username, token, hungryapi.NewClient(baseDomain, username, token), nil
}

func cmdRegister(ctx *cli.Context) error {
	bridge := bridgeName(ctx)
	username, _, hungryClient, err := beeperClient(ctx)
	if err != nil {
		return err
	}

	reg, err := hungryClient.RegisterAppService(ctx.Context, bridge, hungryapi.ReqRegisterAppService{
		Push:       false,
		SelfHosted: true,
	})
	if err != nil {
		return fmt.Errorf("failed to register appservice: %w", err)
	}
	// hungryserv adds an extra bot user namespace
	if len(reg.Namespaces.UserIDs) > 1 {
		reg.Namespaces.UserIDs = reg.Namespaces.UserIDs[0:1]
	}

	baseConfig, err := bridgeconfig.Generate("bridgev2", bridgeconfig.Params{
		HungryAddress:      hungryClient.HomeserverURL.String(),
		BeeperDomain:       baseDomain,
		Websocket:          true,
		AppserviceID:       reg.ID,
		ASToken:            reg.AppToken,
		HSToken:            reg.ServerToken,
		BridgeName:         bridge,
		Username:           username,
		UserID:             id.NewUserID(username, baseDomain),
		ProvisioningSecret: generateSecret(16),
		BridgeV2Name: bridgeconfig.BridgeV2Name{
			CommandPrefix:    "!wc",
			DatabaseFileName: "mautrix-wechat",
			BridgeTypeName:   "WeChat",
			BridgeTypeIcon:   "mxc://beeper.com/wechat",
			DefaultPickleKey: "beeper",
		},
	})
	if err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}
	output := networkConfig() + baseConfig

	err = beeperapi.PostBridgeState(baseDomain, username, bridge, reg.AppToken, beeperapi.ReqPostBridgeState{
		StateEvent:   status.StateStarting,
		Reason:       "SELF_HOST_REGISTERED",
		IsSelfHosted: true,
		BridgeType:   "wechat",
	})
	if err != nil {
		getLogger(ctx).Warn().Err(err).Msg("Failed to post bridge state")
	}

	outputPath := ctx.String("output")
	if outputPath == "-" {
		fmt.Print(output)
		return nil
	}
	if err = os.WriteFile(outputPath, []byte(output), 0600); err != nil {
		return fmt.Errorf("failed to write config to %s: %w", outputPath, err)
	}
	getLogger(ctx).Info().Str("path", outputPath).Str("bridge", bridge).Msg("Config written")
	return nil
}

func cmdUnregister(ctx *cli.Context) error {
	bridge := bridgeName(ctx)
	_, token, hungryClient, err := beeperClient(ctx)
	if err != nil {
		return err
	}
	if err = hungryClient.DeleteAppService(ctx.Context, bridge); err != nil {
		return fmt.Errorf("failed to delete appservice: %w", err)
	}
	if err = beeperapi.DeleteBridge(baseDomain, bridge, token); err != nil {
		getLogger(ctx).Warn().Err(err).Msg("Failed to delete bridge from Beeper API")
	}
	fmt.Printf("Bridge '%s' deleted\n", bridge)
	return nil
}
