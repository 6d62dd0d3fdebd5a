// Command nanorun demonstrates running the nanomited demo payload: it
// loads the nanomite table this executable's own build step attached
// as a resource, starts tracing the protected section, runs the
// payload, and reports its checksum once tracing stops.
package main

import (
	"fmt"
	"os"

	cli "github.com/urfave/cli/v2"
	"github.com/xyproto/env/v2"

	"github.com/xyproto/nanomites/internal/loader"
	"github.com/xyproto/nanomites/internal/protected"
	"github.com/xyproto/nanomites/internal/tracer"
)

const (
	defaultSectionName = ".nano"
	defaultResourceID  = 1234
	demoText           = "Unprotected code calling protected code 123"
)

func main() {
	app := &cli.App{
		Name:  "nanorun",
		Usage: "run the nanomited demo payload and report its checksum",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "section",
				Value: env.Str("NANOMITES_SECTION", defaultSectionName),
				Usage: "name of the traced section",
			},
			&cli.IntFlag{
				Name:  "resource-id",
				Value: env.Int("NANOMITES_RESOURCE_ID", defaultResourceID),
				Usage: "RT_RCDATA resource id the nanomite table was attached under",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log tracer diagnostics to stderr",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	sectionName := c.String("section")
	resourceID := uint16(c.Int("resource-id"))
	tracer.Verbose = c.Bool("verbose")

	table, err := loader.LoadMetadataResource(resourceID)
	if err != nil {
		return cli.Exit(err, 1)
	}

	base, err := loader.ImageBase()
	if err != nil {
		return cli.Exit(err, 1)
	}

	extent, err := loader.ResolveSectionExtent(sectionName)
	if err != nil {
		return cli.Exit(err, 1)
	}

	fmt.Println("Unprotected code : Calling protected code...")

	if err := tracer.StartTracing(base, extent, table); err != nil {
		return cli.Exit(err, 1)
	}
	checksum := protected.Checksum(demoText)
	tracer.StopTracing()

	fmt.Printf("Unprotected code : The calculated CRC32 is 0x%08X\n", checksum)
	fmt.Println("Unprotected code : End of Demo.")
	return nil
}
