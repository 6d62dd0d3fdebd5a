// Command nanobuild is the post-build step that turns a plain
// executable into a protected one: it scans a named section for
// relative branches, replaces each with a trap, and attaches the
// resulting table to the executable as a resource.
package main

import (
	"fmt"
	"os"

	cli "github.com/urfave/cli/v2"
	"github.com/xyproto/env/v2"

	"github.com/xyproto/nanomites/internal/builder"
	"github.com/xyproto/nanomites/internal/peimage"
)

// defaultExeName and defaultSectionName match the values the original
// Builder hardcodes (it runs as a fixed post-build step against one
// known executable); both can be overridden here via flag or
// environment variable for anything else.
const (
	defaultExeName     = "Nanomites.exe"
	defaultSectionName = ".nano"
	defaultResourceID  = 1234
)

func main() {
	app := &cli.App{
		Name:  "nanobuild",
		Usage: "plant nanomite traps in a section of a Windows executable",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "exe",
				Value: env.Str("NANOMITES_EXE", defaultExeName),
				Usage: "executable to patch in place",
			},
			&cli.StringFlag{
				Name:  "section",
				Value: env.Str("NANOMITES_SECTION", defaultSectionName),
				Usage: "name of the section to scan for relative branches",
			},
			&cli.IntFlag{
				Name:  "resource-id",
				Value: env.Int("NANOMITES_RESOURCE_ID", defaultResourceID),
				Usage: "RT_RCDATA resource id the nanomite table is attached under",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log truncation warnings and other diagnostics to stderr",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	exeFile := c.String("exe")
	sectionName := c.String("section")
	resourceID := uint16(c.Int("resource-id"))
	builder.Verbose = c.Bool("verbose")

	fmt.Printf("Creating nanomites in section %s of %s...\n", sectionName, exeFile)

	if err := createNanomites(exeFile, sectionName, resourceID); err != nil {
		fmt.Println("Creating nanomites failed!")
		return cli.Exit(err, 1)
	}

	fmt.Println("Creating nanomites finished successfully.")
	return nil
}

func createNanomites(exeFile, sectionName string, resourceID uint16) error {
	img, err := peimage.Open(exeFile)
	if err != nil {
		return err
	}

	section, ok := img.Section(sectionName)
	if !ok {
		img.Close()
		return fmt.Errorf("section %q not found in %s", sectionName, exeFile)
	}

	rng := builder.NewRand()
	table, err := builder.Patch(img.Bytes(), section, rng)
	if err != nil {
		img.Close()
		return err
	}

	if err := img.Flush(); err != nil {
		img.Close()
		return err
	}
	if err := img.Close(); err != nil {
		return err
	}

	return peimage.AppendResource(exeFile, resourceID, table.Encode())
}
