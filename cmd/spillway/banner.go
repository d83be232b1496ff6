package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

func printStartupBanner(cfg appConfig) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	logo := cyan.Bold(true).Render(`
    ╔═╗╔═╗╦╦  ╦  ╦ ╦╔═╗╦ ╦
    ╚═╗╠═╝║║  ║  ║║║╠═╣╚╦╝
    ╚═╝╩  ╩╩═╝╩═╝╚╩╝╩ ╩ ╩ `)

	status := func(on bool, label, value string) string {
		if on {
			return fmt.Sprintf("    %s  %-14s %s", check, label, cyan.Render(value))
		}
		return fmt.Sprintf("    %s  %-14s %s", dot, label, dim.Render(value))
	}

	separator := dim.Render("    ─────────────────────────────────")
	lines := []string{
		"",
		logo,
		"    " + dim.Render("v"+version),
		"",
		separator,
		"",
		bold.Render("    Ingest"),
		"",
		status(true, "HTTP", cfg.APIAddr+cfg.IngestPath),
		status(true, "Auth Header", cfg.AuthHeader),
		status(true, "Secret", cfg.SecretProvider+":"+cfg.SecretName),
	}
	if cfg.MetricsEnabled {
		lines = append(lines, status(true, "Metrics", cfg.APIAddr+"/metrics"))
	} else {
		lines = append(lines, status(false, "Metrics", "disabled"))
	}

	lines = append(lines, "", bold.Render("    Delivery"), "")
	switch cfg.Sink {
	case "duckdb":
		lines = append(lines, status(true, "DuckDB", shortenPath(cfg.DBPath)))
	default:
		lines = append(lines, status(true, "S3", cfg.BucketURL))
	}
	lines = append(lines,
		status(true, "Channel", cfg.DeliveryChannel),
		status(true, "Flush", fmt.Sprintf("%d bytes / %s", cfg.BufferSizeThreshold, cfg.BufferTimeThreshold)),
	)
	if cfg.TierEnabled {
		lines = append(lines, status(true, "Tiering", cfg.tierPolicy().String()))
	} else {
		lines = append(lines, status(false, "Tiering", "disabled"))
	}
	if cfg.JournalEnabled {
		lines = append(lines, status(true, "Journal", shortenPath(cfg.JournalPath)))
	} else {
		lines = append(lines, status(false, "Journal", "disabled"))
	}

	lines = append(lines, "", bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, fmt.Sprintf("    %s  %-14s %s", check, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, status(false, "Config File", "default (no file)"))
	}

	lines = append(lines,
		"",
		separator,
		"",
		"    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"),
		"",
	)

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
