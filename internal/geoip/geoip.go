package geoip

import (
	"net"
	"os"
	"path/filepath"

	"github.com/oschwald/geoip2-golang"
	"go.uber.org/zap"

	"github.com/attrio/attrio/internal/logging"
)

var reader *geoip2.Reader

// Init opens the local MaxMind database if present. Geo enrichment is
// optional: a missing or unreadable database degrades every lookup to
// empty, it never fails startup.
func Init(dataDir string) error {
	dbPath := filepath.Join(dataDir, "GeoLite2-Country.mmdb")

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		logging.L().Warn("geoip database not found, session country will be empty",
			zap.String("path", dbPath))
		return nil
	}

	r, err := geoip2.Open(dbPath)
	if err != nil {
		logging.L().Warn("could not load geoip database",
			zap.String("path", dbPath), zap.Error(err))
		return nil
	}

	reader = r
	logging.L().Info("geoip database loaded", zap.String("path", dbPath))
	return nil
}

// CountryCode returns the ISO country code for an IP, or "" when the
// database is unavailable or the IP is unknown.
func CountryCode(ipStr string) string {
	if reader == nil {
		return ""
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return ""
	}

	record, err := reader.Country(ip)
	if err != nil {
		return ""
	}
	return record.Country.IsoCode
}

// Close releases the database handle.
func Close() error {
	if reader == nil {
		return nil
	}
	err := reader.Close()
	reader = nil
	return err
}
