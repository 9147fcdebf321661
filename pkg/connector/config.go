// mautrix-wechat - A Matrix-WeChat puppeting bridge.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	_ "embed"
	"strings"
	"text/template"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"

	"github.com/wxpuppet/mautrix-wechat/pkg/wechat/puppet"
)

//go:embed example-config.yaml
var ExampleConfig string

type WCConfig struct {
	DisplaynameTemplate string `yaml:"displayname_template"`
	displaynameTemplate *template.Template

	MessageCache MessageCacheConfig `yaml:"message_cache"`
	Resolver     ResolverConfig     `yaml:"resolver"`

	// LeaveDebounce is how long a member who left a room is kept out of
	// member lists fetched afterwards, since the server keeps returning
	// them for a while.
	LeaveDebounce time.Duration `yaml:"leave_debounce"`

	// DirectorySyncInterval is how often every known contact and room is
	// refetched. Zero disables the periodic refresh.
	DirectorySyncInterval time.Duration `yaml:"directory_sync_interval"`

	// PatternsFile adds system notice patterns on top of the built-in
	// Chinese and English ones. Changes are picked up without a restart.
	PatternsFile string `yaml:"patterns_file"`

	// ContactDatabase is a separate SQLite file for the contact directory.
	// If empty, the bridge database is used.
	ContactDatabase string `yaml:"contact_database"`
}

type MessageCacheConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

type ResolverConfig struct {
	Interval  time.Duration `yaml:"interval"`
	BatchSize int           `yaml:"batch_size"`
}

type umWCConfig WCConfig

func (c *WCConfig) UnmarshalYAML(node *yaml.Node) error {
	err := node.Decode((*umWCConfig)(c))
	if err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *WCConfig) PostProcess() error {
	var err error
	c.displaynameTemplate, err = template.New("displayname").Parse(c.DisplaynameTemplate)
	return err
}

type DisplaynameParams struct {
	NickName   string
	RemarkName string
	Alias      string
	ID         string
}

func (c *WCConfig) FormatDisplayname(params DisplaynameParams) string {
	if c.displaynameTemplate == nil {
		return params.ID
	}
	var buf strings.Builder
	err := c.displaynameTemplate.Execute(&buf, &params)
	if err != nil {
		return params.ID
	}
	name := strings.TrimSpace(buf.String())
	if name == "" {
		return params.ID
	}
	return name
}

// PuppetConfig returns the settings of the inbound pipeline.
func (c *WCConfig) PuppetConfig() puppet.Config {
	return puppet.Config{
		CacheSize:         c.MessageCache.Size,
		CacheTTL:          c.MessageCache.TTL,
		LeaveDebounce:     c.LeaveDebounce,
		ResolverInterval:  c.Resolver.Interval,
		ResolverBatchSize: c.Resolver.BatchSize,
		PatternsFile:      c.PatternsFile,
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "displayname_template")
	helper.Copy(up.Int, "message_cache", "size")
	helper.Copy(up.Str, "message_cache", "ttl")
	helper.Copy(up.Str, "resolver", "interval")
	helper.Copy(up.Int, "resolver", "batch_size")
	helper.Copy(up.Str, "leave_debounce")
	helper.Copy(up.Str, "directory_sync_interval")
	helper.Copy(up.Str|up.Null, "patterns_file")
	helper.Copy(up.Str|up.Null, "contact_database")
}

func (wc *WCConnector) GetConfig() (string, any, up.Upgrader) {
	return ExampleConfig, &wc.Config, up.SimpleUpgrader(upgradeConfig)
}
