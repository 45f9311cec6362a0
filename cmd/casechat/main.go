package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/fx"

	"github.com/fixmarket/casechat/internal/app"
	"github.com/fixmarket/casechat/internal/chat"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.toml"
	}
	return filepath.Join(home, ".casechat", "config.toml")
}

func main() {
	configFlag := flag.String("config", defaultConfigPath(), "path to config file")
	caseFlag := flag.String("case", "", "case id of the conversation to open")
	peerFlag := flag.String("peer", "", "user id messages are addressed to")
	flag.Parse()

	caseID := chat.CaseID(*caseFlag)
	peerID := chat.UserID(*peerFlag)
	if err := chat.ValidateCaseID(caseID); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := chat.ValidateUserID("peer", peerID); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fxApp := fx.New(
		app.Module(app.Params{
			ConfigPath: *configFlag,
			CaseID:     caseID,
			PeerID:     peerID,
		}),
		fx.NopLogger,
	)

	fxApp.Run()
}
