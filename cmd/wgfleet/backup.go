package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/edvin/wgfleet/internal/audit"
	"github.com/edvin/wgfleet/internal/backup"
	"github.com/edvin/wgfleet/internal/faults"
)

func cmdAudit(args []string) {
	if len(args) < 1 || args[0] != "verify" {
		usageErr("Usage: wgfleet audit verify")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	if err := audit.Verify(context.Background(), a.core.DB()); err != nil {
		fail(err)
	}
	fmt.Println("Audit chain verified")
}

func cmdBackup(args []string) {
	if len(args) < 1 {
		usageErr("Usage: wgfleet backup <create|verify|restore> [options]")
	}
	switch args[0] {
	case "create":
		backupCreate(args[1:])
	case "verify":
		backupVerify(args[1:])
	case "restore":
		backupRestore(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown backup command: %s\n", args[0])
		os.Exit(faults.ExitUserError)
	}
}

func backupCreate(args []string) {
	fs := flag.NewFlagSet("backup create", flag.ExitOnError)
	out := fs.String("out", "", "Bundle path, e.g. fleet-20260824.tar.gz")
	offsite := fs.Bool("offsite", false, "Also upload to the configured S3 bucket")
	fs.Parse(args)

	if *out == "" {
		usageErr("Usage: wgfleet backup create -out PATH [-offsite]")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	svc := backup.NewService(a.core, a.logger)
	if *offsite {
		if a.cfg.S3Bucket == "" {
			usageErr("Offsite upload needs WGFLEET_S3_BUCKET and credentials")
		}
		svc.Offsite = backup.NewS3Uploader(backup.S3Options{
			Endpoint:  a.cfg.S3Endpoint,
			Region:    a.cfg.S3Region,
			Bucket:    a.cfg.S3Bucket,
			Prefix:    a.cfg.S3Prefix,
			AccessKey: a.cfg.S3AccessKey,
			SecretKey: a.cfg.S3SecretKey,
		})
	}

	manifest, err := svc.Create(context.Background(), *out)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Backup written to %s (%d bytes, sha256 %s)\n",
		*out, manifest.Files[0].Size, manifest.Files[0].SHA256)
}

func backupVerify(args []string) {
	if len(args) < 1 {
		usageErr("Usage: wgfleet backup verify <bundle>")
	}
	manifest, err := backup.Verify(args[0])
	if err != nil {
		fail(err)
	}
	fmt.Printf("Bundle verified: %d file(s), created %s\n",
		len(manifest.Files), manifest.CreatedAt.Format("2006-01-02 15:04:05 MST"))
}

func backupRestore(args []string) {
	fs := flag.NewFlagSet("backup restore", flag.ExitOnError)
	overwrite := fs.Bool("overwrite", false, "Replace the destination if it exists")
	fs.Parse(args)

	if fs.NArg() < 2 {
		usageErr("Usage: wgfleet backup restore [-overwrite] <bundle> <dest-db>")
	}
	if err := backup.Restore(fs.Arg(0), fs.Arg(1), *overwrite); err != nil {
		fail(err)
	}
	fmt.Printf("Restored datastore to %s\n", fs.Arg(1))
}
