package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/warden/internal/audit"
	"github.com/HerbHall/warden/internal/auth"
	"github.com/HerbHall/warden/pkg/models"
)

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// runEnroll creates an identity directly against the configured backend.
// It is how the first SITE_ADMIN is provisioned.
func runEnroll(args []string) {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	username := fs.String("username", "", "username of the new identity")
	role := fs.String("role", string(models.RoleUser), "role: USER, ADMIN or SITE_ADMIN")
	groups := fs.String("groups", "", "comma-separated group names")
	question := fs.String("question", "", "security question")
	answer := fs.String("answer", "", "security answer")
	_ = fs.Parse(args)

	password := os.Getenv("WARDEN_ENROLL_PASSWORD")
	if *username == "" || password == "" {
		fatalf("usage: warden enroll -username NAME [-role ROLE] (password in WARDEN_ENROLL_PASSWORD)")
	}
	r, err := models.ParseRole(strings.ToUpper(*role))
	if err != nil {
		fatalf("%v", err)
	}

	ctx := context.Background()
	b, err := openBase(ctx, *configPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer b.close()
	svc, err := openServices(ctx, b)
	if err != nil {
		fatalf("failed to initialize services: %v", err)
	}
	defer svc.close()

	var gs []string
	for _, g := range strings.Split(*groups, ",") {
		if g = strings.TrimSpace(g); g != "" {
			gs = append(gs, g)
		}
	}
	id, err := svc.authn.Enroll(ctx, auth.EnrollRequest{
		Username: *username,
		Password: password,
		Role:     r,
		Groups:   gs,
		Question: *question,
		Answer:   *answer,
	})
	if err != nil {
		fatalf("enroll failed: %v", err)
	}
	fmt.Printf("enrolled %s (%s) as %s\n", id.Username, id.ID, id.Role)
}

func runVerifyAudit(args []string) {
	fs := flag.NewFlagSet("verify-audit", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	_ = fs.Parse(args)

	ctx := context.Background()
	b, err := openBase(ctx, *configPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer b.close()

	n, err := b.recorder.VerifyChain(ctx)
	var ae *audit.Error
	if errors.As(err, &ae) && ae.Kind == audit.KindChainBroken {
		b.logger.Error("audit chain broken", zap.Int64("seq", ae.Seq), zap.Int64("verified", n))
		fatalf("audit chain broken at seq %d after %d intact entries", ae.Seq, n)
	}
	if err != nil {
		fatalf("verify audit: %v", err)
	}
	fmt.Printf("audit chain intact: %d entries\n", n)
}

// parseWindow reads -start/-end as RFC 3339. Empty values leave the
// bound open.
func parseWindow(start, end string) (time.Time, time.Time, error) {
	var s, e time.Time
	var err error
	if start != "" {
		if s, err = time.Parse(time.RFC3339, start); err != nil {
			return s, e, fmt.Errorf("start: %w", err)
		}
	}
	if end != "" {
		if e, err = time.Parse(time.RFC3339, end); err != nil {
			return s, e, fmt.Errorf("end: %w", err)
		}
	}
	return s, e, nil
}

func runExportAudit(args []string) {
	fs := flag.NewFlagSet("export-audit", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	format := fs.String("format", "csv", "csv or json")
	identity := fs.String("identity", "", "restrict to one identity ID")
	typ := fs.String("type", "", "restrict to one audit type")
	start := fs.String("start", "", "RFC 3339 lower bound")
	end := fs.String("end", "", "RFC 3339 upper bound")
	out := fs.String("out", "", "output file (default stdout)")
	_ = fs.Parse(args)

	f, err := audit.ParseFormat(*format)
	if err != nil {
		fatalf("%v", err)
	}
	filter := audit.Filter{IdentityID: *identity}
	if filter.Start, filter.End, err = parseWindow(*start, *end); err != nil {
		fatalf("%v", err)
	}
	if *typ != "" {
		if filter.Type, err = models.ParseAuditType(*typ); err != nil {
			fatalf("%v", err)
		}
	}

	ctx := context.Background()
	b, err := openBase(ctx, *configPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer b.close()

	w := os.Stdout
	if *out != "" {
		file, err := os.Create(*out)
		if err != nil {
			fatalf("create %s: %v", *out, err)
		}
		defer file.Close()
		w = file
	}
	n, err := b.recorder.Export(ctx, w, f, filter)
	if err != nil {
		fatalf("export audit: %v", err)
	}
	fmt.Fprintf(os.Stderr, "exported %d entries\n", n)
}

func runArchiveAudit(args []string) {
	fs := flag.NewFlagSet("archive-audit", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file")
	start := fs.String("start", "", "RFC 3339 lower bound")
	end := fs.String("end", "", "RFC 3339 upper bound")
	_ = fs.Parse(args)

	s, e, err := parseWindow(*start, *end)
	if err != nil {
		fatalf("%v", err)
	}

	ctx := context.Background()
	b, err := openBase(ctx, *configPath)
	if err != nil {
		fatalf("%v", err)
	}
	defer b.close()

	cfg := b.settings.Audit.Archive
	client := audit.NewS3Client(audit.ArchiveConfig{
		Bucket:          cfg.Bucket,
		Prefix:          cfg.Prefix,
		Region:          cfg.Region,
		Endpoint:        cfg.Endpoint,
		AccessKeyID:     cfg.AccessKeyID,
		SecretAccessKey: cfg.SecretAccessKey,
	})
	archiver := audit.NewArchiver(b.recorder, client, cfg.Bucket, cfg.Prefix, b.logger.Named("audit"))
	key, n, err := archiver.Archive(ctx, s, e)
	if err != nil {
		fatalf("archive audit: %v", err)
	}
	fmt.Printf("archived %d entries to s3://%s/%s\n", n, cfg.Bucket, key)
}
