package cmd

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/spf13/cobra"
)

var (
	walkTarget    string
	walkCommunity string
	walkRoot      string
	walkVersion   string
	walkTimeout   time.Duration
	walkTCP       bool
)

// walkCmd represents the walk command
var walkCmd = &cobra.Command{
	Use:   "walk",
	Short: "Walk a running agent",
	Long: `Walk the MIB of a running agent and print every object. Version 2c uses
GetBulk, version 1 uses GetNext.`,
	Example: `# Walk the local agent
	proteus walk --target 127.0.0.1:161

	# Walk only the device table over TCP
	proteus walk --target 10.0.0.7:161 --oid .1.3.6.1.4.1.126.3 --tcp`,
	RunE: walkAgent,
}

func init() {
	rootCmd.AddCommand(walkCmd)

	walkCmd.Flags().StringVarP(&walkTarget, "target", "t", "127.0.0.1:161", "Agent address as host:port")
	walkCmd.Flags().StringVar(&walkCommunity, "community", "public", "Community string")
	walkCmd.Flags().StringVar(&walkRoot, "oid", ".1.3.6.1", "Subtree to walk")
	walkCmd.Flags().StringVar(&walkVersion, "version", "2c", "SNMP version, 1 or 2c")
	walkCmd.Flags().DurationVar(&walkTimeout, "timeout", 2*time.Second, "Per request timeout")
	walkCmd.Flags().BoolVar(&walkTCP, "tcp", false, "Use TCP instead of UDP")
}

func newWalkClient() (*gosnmp.GoSNMP, error) {
	host, portStr, err := net.SplitHostPort(walkTarget)
	if err != nil {
		return nil, fmt.Errorf("invalid target %q: %w", walkTarget, err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	client := &gosnmp.GoSNMP{
		Target:         host,
		Port:           uint16(port),
		Community:      walkCommunity,
		Timeout:        walkTimeout,
		Retries:        1,
		MaxRepetitions: 16,
	}

	switch walkVersion {
	case "1":
		client.Version = gosnmp.Version1
	case "2c":
		client.Version = gosnmp.Version2c
	default:
		return nil, fmt.Errorf("unsupported SNMP version %q, use 1 or 2c", walkVersion)
	}

	if walkTCP {
		client.Transport = "tcp"
	}
	return client, nil
}

func walkAgent(cmd *cobra.Command, args []string) error {
	client, err := newWalkClient()
	if err != nil {
		return err
	}

	if err := client.Connect(); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", walkTarget, err)
	}
	defer client.Conn.Close()

	out := cmd.OutOrStdout()
	count := 0
	visit := func(pdu gosnmp.SnmpPDU) error {
		count++
		printVariable(out, pdu)
		return nil
	}

	if client.Version == gosnmp.Version1 {
		err = client.Walk(walkRoot, visit)
	} else {
		err = client.BulkWalk(walkRoot, visit)
	}
	if err != nil {
		return fmt.Errorf("walk failed after %d objects: %w", count, err)
	}

	fmt.Fprintf(out, "%d objects\n", count)
	return nil
}

func printVariable(w io.Writer, pdu gosnmp.SnmpPDU) {
	switch pdu.Type {
	case gosnmp.OctetString:
		if b, ok := pdu.Value.([]byte); ok {
			fmt.Fprintf(w, "%s = STRING: %q\n", pdu.Name, string(b))
			return
		}
	case gosnmp.ObjectIdentifier:
		fmt.Fprintf(w, "%s = OID: %v\n", pdu.Name, pdu.Value)
		return
	case gosnmp.TimeTicks:
		fmt.Fprintf(w, "%s = Timeticks: %v\n", pdu.Name, pdu.Value)
		return
	case gosnmp.Integer:
		fmt.Fprintf(w, "%s = INTEGER: %v\n", pdu.Name, pdu.Value)
		return
	}
	fmt.Fprintf(w, "%s = %s: %v\n", pdu.Name, pdu.Type, pdu.Value)
}
