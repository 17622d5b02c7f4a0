// Package dns points project domains at their servers through Cloudflare.
package dns

import (
	"context"
	"fmt"
	"net"
	"strings"

	"log/slog"

	cf "github.com/cloudflare/cloudflare-go"

	"github.com/arkdeploy/ark/pkg/config"
)

// recordTTL is Cloudflare's "automatic" TTL.
const recordTTL = 1

type api interface {
	ListDNSRecords(ctx context.Context, rc *cf.ResourceContainer, params cf.ListDNSRecordsParams) ([]cf.DNSRecord, *cf.ResultInfo, error)
	CreateDNSRecord(ctx context.Context, rc *cf.ResourceContainer, params cf.CreateDNSRecordParams) (cf.DNSRecord, error)
	UpdateDNSRecord(ctx context.Context, rc *cf.ResourceContainer, params cf.UpdateDNSRecordParams) (cf.DNSRecord, error)
	DeleteDNSRecord(ctx context.Context, rc *cf.ResourceContainer, recordID string) error
}

// Service manages DNS records. The zero-config Service is disabled and
// every call is a no-op.
type Service struct {
	api    api
	zone   *cf.ResourceContainer
	logger *slog.Logger
}

// New returns a Service backed by Cloudflare when a token and zone are
// configured.
func New(cfg config.APIConfig, logger *slog.Logger) (Service, error) {
	if cfg.CloudflareAPIToken == "" || cfg.CloudflareZoneID == "" {
		return Service{logger: logger}, nil
	}
	client, err := cf.NewWithAPIToken(cfg.CloudflareAPIToken)
	if err != nil {
		return Service{}, fmt.Errorf("initialise cloudflare client: %w", err)
	}
	return Service{api: client, zone: cf.ZoneIdentifier(cfg.CloudflareZoneID), logger: logger}, nil
}

// Enabled reports whether records are managed.
func (s Service) Enabled() bool {
	return s.api != nil
}

// Ensure points name at target, an IP (A/AAAA record) or a hostname (CNAME).
// An existing record of the same name is updated in place.
func (s Service) Ensure(ctx context.Context, name, target string) error {
	if !s.Enabled() || name == "" {
		return nil
	}
	recordType := recordTypeFor(target)
	existing, _, err := s.api.ListDNSRecords(ctx, s.zone, cf.ListDNSRecordsParams{Name: name})
	if err != nil {
		return fmt.Errorf("list dns records for %s: %w", name, err)
	}
	proxied := false
	for _, rec := range existing {
		if rec.Type != "A" && rec.Type != "AAAA" && rec.Type != "CNAME" {
			continue
		}
		if rec.Type == recordType && rec.Content == target {
			return nil
		}
		_, err := s.api.UpdateDNSRecord(ctx, s.zone, cf.UpdateDNSRecordParams{
			ID:      rec.ID,
			Type:    recordType,
			Name:    name,
			Content: target,
			TTL:     recordTTL,
			Proxied: &proxied,
		})
		if err != nil {
			return fmt.Errorf("update dns record %s: %w", name, err)
		}
		s.logger.Info("dns record updated", "name", name, "type", recordType, "content", target)
		return nil
	}
	_, err = s.api.CreateDNSRecord(ctx, s.zone, cf.CreateDNSRecordParams{
		Type:    recordType,
		Name:    name,
		Content: target,
		TTL:     recordTTL,
		Proxied: &proxied,
	})
	if err != nil {
		return fmt.Errorf("create dns record %s: %w", name, err)
	}
	s.logger.Info("dns record created", "name", name, "type", recordType, "content", target)
	return nil
}

// Remove deletes address records for name.
func (s Service) Remove(ctx context.Context, name string) error {
	if !s.Enabled() || name == "" {
		return nil
	}
	existing, _, err := s.api.ListDNSRecords(ctx, s.zone, cf.ListDNSRecordsParams{Name: name})
	if err != nil {
		return fmt.Errorf("list dns records for %s: %w", name, err)
	}
	for _, rec := range existing {
		if rec.Type != "A" && rec.Type != "AAAA" && rec.Type != "CNAME" {
			continue
		}
		if err := s.api.DeleteDNSRecord(ctx, s.zone, rec.ID); err != nil {
			return fmt.Errorf("delete dns record %s: %w", name, err)
		}
		s.logger.Info("dns record deleted", "name", name, "type", rec.Type)
	}
	return nil
}

func recordTypeFor(target string) string {
	ip := net.ParseIP(strings.TrimSpace(target))
	switch {
	case ip == nil:
		return "CNAME"
	case ip.To4() != nil:
		return "A"
	default:
		return "AAAA"
	}
}
