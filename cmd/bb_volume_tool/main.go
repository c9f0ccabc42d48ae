package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"text/tabwriter"

	"github.com/buildbarn/bb-disk-manager/pkg/address"
	"github.com/buildbarn/bb-disk-manager/pkg/configuration"
	"github.com/buildbarn/bb-disk-manager/pkg/disk"
	"github.com/buildbarn/bb-disk-manager/pkg/wal"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/spf13/pflag"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// bb_volume_tool performs offline maintenance on the volumes of a
// database. The database may not be mounted by any other process while
// this tool runs.
//
// Usage:
//
//	bb_volume_tool [flags] create <first volume> <sectors>
//	bb_volume_tool [flags] check <first volume>
//	bb_volume_tool [flags] dump <first volume> [volume identifiers...]
//	bb_volume_tool [flags] info <first volume>

const usage = "Usage: bb_volume_tool [flags] (create|check|dump|info) <first volume> [arguments...]"

type options struct {
	configurationPath string
	repair            bool
	json              bool
	remarks           string
}

func main() {
	if err := run(context.Background(), os.Args[1:], disk.NewDirectoryVolumeStorage(), os.Stdout); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, args []string, storage disk.VolumeStorage, w io.Writer) error {
	flags := pflag.NewFlagSet("bb_volume_tool", pflag.ContinueOnError)
	var o options
	flags.StringVar(&o.configurationPath, "configuration", "", "Jsonnet file containing disk manager parameters")
	flags.BoolVar(&o.repair, "repair", false, "Repair inconsistencies found by the check command")
	flags.BoolVar(&o.json, "json", false, "Print output of the info command as JSON")
	flags.StringVar(&o.remarks, "remarks", "", "Remarks to store in the first volume of a new database")
	flags.SetInterspersed(false)
	if err := flags.Parse(args); err != nil {
		return status.Errorf(codes.InvalidArgument, "%s: %s", usage, err)
	}
	args = flags.Args()
	if len(args) < 2 {
		return status.Error(codes.InvalidArgument, usage)
	}
	command, firstVolumePath, commandArgs := args[0], args[1], args[2:]

	c := disk.DefaultConfiguration
	if o.configurationPath != "" {
		if err := configuration.UnmarshalConfigurationFromFile(o.configurationPath, &c); err != nil {
			return util.StatusWrapf(err, "Failed to read configuration from %s", o.configurationPath)
		}
	}
	c.VolumeDirectory, c.DatabaseName = filepath.Split(filepath.Clean(firstVolumePath))
	c.VolumeDirectory = filepath.Clean(c.VolumeDirectory)

	transactionLog := wal.NewInMemoryLog()
	manager, err := disk.NewManager(c, storage, transactionLog, clock.SystemClock)
	if err != nil {
		return err
	}
	transactionLog.SetRecoveryHandler(manager)

	if command == "create" {
		return runCreate(ctx, manager, commandArgs, &o, w)
	}
	if err := manager.Mount(ctx); err != nil {
		return util.StatusWrap(err, "Failed to mount volumes")
	}
	switch command {
	case "check":
		err = runCheck(ctx, manager, &o, w)
	case "dump":
		err = runDump(ctx, manager, commandArgs, w)
	case "info":
		err = runInfo(manager, &o, w)
	default:
		err = status.Errorf(codes.InvalidArgument, "Unknown command %#v", command)
	}
	if closeErr := manager.Close(ctx); err == nil && closeErr != nil {
		err = util.StatusWrap(closeErr, "Failed to close volumes")
	}
	return err
}

func runCreate(ctx context.Context, manager *disk.Manager, args []string, o *options, w io.Writer) error {
	if len(args) != 1 {
		return status.Error(codes.InvalidArgument, "Usage: bb_volume_tool [flags] create <first volume> <sectors>")
	}
	sectors, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil || sectors <= 0 {
		return status.Errorf(codes.InvalidArgument, "Invalid sector count %#v", args[0])
	}
	if err := manager.CreateDatabase(ctx, int32(sectors), o.remarks); err != nil {
		return err
	}
	info, err := manager.GetPurposeAndSpaceInfo(ctx, 0)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Created volume 0 with %d sectors, of which %d are free\n", info.TotalSectors, info.FreeSectors)
	return manager.Close(ctx)
}

func runCheck(ctx context.Context, manager *disk.Manager, o *options, w io.Writer) error {
	result, err := manager.Check(ctx, o.repair)
	if err != nil {
		return err
	}
	for _, problem := range result.Problems {
		fmt.Fprintln(w, problem)
	}
	fmt.Fprintf(w, "Result: %s\n", result.Result)
	if result.Result == disk.Invalid {
		return status.Error(codes.DataLoss, "Volumes are inconsistent")
	}
	return nil
}

func runDump(ctx context.Context, manager *disk.Manager, args []string, w io.Writer) error {
	var volumes []address.VolumeID
	if len(args) == 0 {
		for _, v := range manager.Cache().Snapshot().Volumes {
			volumes = append(volumes, v.Volume)
		}
	} else {
		for _, arg := range args {
			volume, err := strconv.ParseInt(arg, 10, 16)
			if err != nil {
				return status.Errorf(codes.InvalidArgument, "Invalid volume identifier %#v", arg)
			}
			volumes = append(volumes, address.VolumeID(volume))
		}
	}
	for i, volume := range volumes {
		if i > 0 {
			fmt.Fprintln(w)
		}
		if err := manager.DumpVolume(ctx, w, volume); err != nil {
			return err
		}
	}
	return nil
}

func runInfo(manager *disk.Manager, o *options, w io.Writer) error {
	report := disk.NewStatusReport(manager.Cache().Snapshot())
	if o.json {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}

	tw := tabwriter.NewWriter(w, 0, 8, 2, ' ', 0)
	fmt.Fprintln(tw, "VOLUME\tPURPOSE\tTYPE\tFREE\tTOTAL\tMAXIMUM\tPATH")
	for _, v := range report.Volumes {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\t%s\n", v.Volume, v.Purpose, v.Type, v.FreeSectors, v.TotalSectors, v.MaxSectors, v.Path)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "PURPOSE\tVOLUMES\tFREE\tTOTAL\tMAXIMUM")
	for _, p := range report.Purposes {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", p.Purpose, p.VolumeCount, p.FreeSectors, p.TotalSectors, p.MaxSectors)
	}
	return tw.Flush()
}
