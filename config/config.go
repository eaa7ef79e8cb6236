// GOMailSync
// Copyright (C) 2014 Simone Gotti <simone.gotti@gmail.com>
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, write to the Free Software Foundation, Inc.,
// 51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.

package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Syncgroups  []*SyncgroupConfig `toml:"syncgroup"`
	Stores      []*StoreConfig     `toml:"store"`
	Metadatadir string
	LogLevel    string
	DebugImap   bool
}

type SyncgroupConfig struct {
	Name string

	// Store names. Remote is the IMAP store, Local the Maildir store.
	Remote string
	Local  string

	// Maximum number of folders synced at the same time. Every folder sync
	// holds one IMAP connection.
	Maxconnections int
	SyncInterval   duration
	Deletemode     string
	FlagPolicy     string
	StatusBackend  string

	// Folders Patterns matching.
	// The format is:
	// /pattern/
	// !/pattern/
	Patterns []string

	// Remote folder name -> local folder name
	Nametrans map[string]string
}

type StoreConfig struct {
	Name      string
	StoreType string

	// Imap specific config options
	Host           string
	Port           uint16
	Username       string
	Password       string
	Starttls       bool
	Tls            bool
	SkipCertVerify bool
	Timeout        duration

	// Maildir specific config options
	Maildir   string
	Separator string
}

// Account is the resolved per account configuration used by the sync engine.
type Account struct {
	Name               string
	ResourceClassLimit int
	FlagPolicy         string
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func Duration(d time.Duration) duration {
	return duration{d}
}

var (
	ValidStoreTypes    = []string{"IMAP", "Maildir"}
	ValidLogLevels     = []string{"error", "info", "debug"}
	ValidDeletemodes   = []string{"expunge", "flag", "none"}
	ValidFlagPolicies  = []string{"changes", "source", "union"}
	ValidStatusBackend = []string{"plain", "sqlite"}
	ValidSeparators    = []string{".", "/"}
)

func (c *SyncgroupConfig) Account() Account {
	return Account{
		Name:               c.Name,
		ResourceClassLimit: c.Maxconnections,
		FlagPolicy:         c.FlagPolicy,
	}
}

func ParseConfig(conffilepath string) (conf *Config, err error) {
	conf = &Config{}
	md, err := toml.DecodeFile(conffilepath, conf)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("Unknown config keys: %v", undecoded)
	}

	if err = SetDefaults(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// SetDefaults fills the zero valued options with their defaults.
func SetDefaults(conf *Config) error {
	u, err := user.Current()
	if err != nil {
		return err
	}

	if conf.Metadatadir == "" {
		conf.Metadatadir = filepath.Join(u.HomeDir, ".offlinesync")
	}
	conf.Metadatadir = expandHome(conf.Metadatadir, u.HomeDir)
	if conf.LogLevel == "" {
		conf.LogLevel = "info"
	}

	for _, s := range conf.Stores {
		switch s.StoreType {
		case "IMAP":
			if s.Timeout.Duration == 0 {
				s.Timeout.Duration = 60 * time.Second
			}
		case "Maildir":
			if s.Separator == "" {
				s.Separator = string(os.PathSeparator)
			}
			s.Maildir = expandHome(s.Maildir, u.HomeDir)
		}
	}

	for _, sg := range conf.Syncgroups {
		if sg.Maxconnections == 0 {
			sg.Maxconnections = 1
		}
		if sg.SyncInterval.Duration == 0 {
			sg.SyncInterval.Duration = 10 * time.Minute
		}
		if sg.Deletemode == "" {
			sg.Deletemode = "expunge"
		}
		if sg.FlagPolicy == "" {
			sg.FlagPolicy = "changes"
		}
		if sg.StatusBackend == "" {
			sg.StatusBackend = "plain"
		}
	}
	return nil
}

func expandHome(path string, home string) string {
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

func (c *Config) Store(name string) *StoreConfig {
	for _, s := range c.Stores {
		if s.Name == name {
			return s
		}
	}
	return nil
}

func VerifyConfig(config *Config) (err error) {
	if !StringInSlice(config.LogLevel, ValidLogLevels) {
		return fmt.Errorf("Wrong log level: \"%s\". Valid levels are: %s", config.LogLevel, ValidLogLevels)
	}

	for _, storeconf := range config.Stores {
		if err = VerifyStoreConfig(config, storeconf); err != nil {
			return err
		}
	}
	for _, syncgroupconf := range config.Syncgroups {
		if err = VerifySyncGroupConfig(config, syncgroupconf); err != nil {
			return err
		}
	}
	return nil
}

func VerifyStoreConfig(globalconfig *Config, config *StoreConfig) (err error) {
	if config.Name == "" {
		return fmt.Errorf("Store name is empty")
	}
	errprefix := fmt.Sprintf("[Store: %s] ", config.Name)
	if !StringInSlice(config.StoreType, ValidStoreTypes) {
		return fmt.Errorf(errprefix+"Wrong store type: \"%s\". Valid types are: %s", config.StoreType, ValidStoreTypes)
	}
	switch config.StoreType {
	case "IMAP":
		if config.Host == "" {
			return fmt.Errorf(errprefix + "host option is empty")
		}
		if config.Username == "" {
			return fmt.Errorf(errprefix + "username option is empty")
		}
		if config.Tls && config.Starttls {
			return fmt.Errorf(errprefix + "Both tls and starttls enabled. Only one of them is permitted.")
		}
		if config.Timeout.Duration < 0 {
			return fmt.Errorf(errprefix + "timeout must be positive.")
		}
	case "Maildir":
		if config.Maildir == "" {
			return fmt.Errorf(errprefix + "maildir option is empty")
		}
		if !StringInSlice(config.Separator, ValidSeparators) {
			return fmt.Errorf(errprefix+"Wrong separator: \"%s\". Valid separators are: %s", config.Separator, ValidSeparators)
		}
	}
	return
}

func VerifySyncGroupConfig(globalconfig *Config, config *SyncgroupConfig) (err error) {
	if config.Name == "" {
		return fmt.Errorf("Syncgroup name is empty")
	}
	errprefix := fmt.Sprintf("[Syncgroup: %s] ", config.Name)

	remote := globalconfig.Store(config.Remote)
	if remote == nil || remote.StoreType != "IMAP" {
		return fmt.Errorf(errprefix+"remote \"%s\" must name an IMAP store", config.Remote)
	}
	local := globalconfig.Store(config.Local)
	if local == nil || local.StoreType != "Maildir" {
		return fmt.Errorf(errprefix+"local \"%s\" must name a Maildir store", config.Local)
	}

	if config.Maxconnections < 1 {
		return fmt.Errorf(errprefix + "maxconnections must be at least 1.")
	}
	if !StringInSlice(config.Deletemode, ValidDeletemodes) {
		return fmt.Errorf(errprefix+"Wrong deletemode: \"%s\". Valid modes are: %s", config.Deletemode, ValidDeletemodes)
	}
	if !StringInSlice(config.FlagPolicy, ValidFlagPolicies) {
		return fmt.Errorf(errprefix+"Wrong flagpolicy: \"%s\". Valid policies are: %s", config.FlagPolicy, ValidFlagPolicies)
	}
	if !StringInSlice(config.StatusBackend, ValidStatusBackend) {
		return fmt.Errorf(errprefix+"Wrong statusbackend: \"%s\". Valid backends are: %s", config.StatusBackend, ValidStatusBackend)
	}

	if int64(config.SyncInterval.Duration) < 0 {
		return fmt.Errorf(errprefix + "syncinterval must be positive.")
	}
	return
}

func StringInSlice(a string, list []string) bool {
	for _, b := range list {
		if b == a {
			return true
		}
	}
	return false
}
