// kdiagprobe opens one serial adapter, brings up one L2 session and
// issues a single application-layer request, then tears everything down.
// It exists to exercise the whole stack end to end from the command
// line; it is deliberately not an interactive diagnostic CLI.
package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/kline-tools/kdiag/diagerr"
	"github.com/kline-tools/kdiag/diagos"
	"github.com/kline-tools/kdiag/l0"
	_ "github.com/kline-tools/kdiag/l0/br1"
	_ "github.com/kline-tools/kdiag/l0/dumb"
	_ "github.com/kline-tools/kdiag/l0/elm"
	"github.com/kline-tools/kdiag/l2"
	l2d2 "github.com/kline-tools/kdiag/l2/d2"
	"github.com/kline-tools/kdiag/l2/iso9141"
	"github.com/kline-tools/kdiag/l2/mb1"
	"github.com/kline-tools/kdiag/l2/raw"
	"github.com/kline-tools/kdiag/l2/vag"
	"github.com/kline-tools/kdiag/tty"
	l7d2 "github.com/kline-tools/kdiag/l7/d2"
	"github.com/kline-tools/kdiag/l7/kwp71"
)

// timingFile is the optional yaml timing-override file: any field left
// unset keeps the ISO 14230 default.
type timingFile struct {
	P1Min *int `yaml:"p1min"`
	P1Max *int `yaml:"p1max"`
	P2Min *int `yaml:"p2min"`
	P2Max *int `yaml:"p2max"`
	P3Min *int `yaml:"p3min"`
	P3Max *int `yaml:"p3max"`
	P4Min *int `yaml:"p4min"`
	P4Max *int `yaml:"p4max"`
}

func (tf *timingFile) apply(t *l2.Timing) {
	set := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	set(&t.P1Min, tf.P1Min)
	set(&t.P1Max, tf.P1Max)
	set(&t.P2Min, tf.P2Min)
	set(&t.P2Max, tf.P2Max)
	set(&t.P3Min, tf.P3Min)
	set(&t.P3Max, tf.P3Max)
	set(&t.P4Min, tf.P4Min)
	set(&t.P4Max, tf.P4Max)
}

// protoFor maps a protocol name to its L2 implementation and the L1
// protocol mask it runs over.
func protoFor(name string) (l2.Protocol, l0.Proto, error) {
	switch name {
	case "iso9141":
		return iso9141.Protocol{}, l0.ProtoISO9141, nil
	case "d2":
		return l2d2.Protocol{}, l0.ProtoISO14230, nil
	case "vag":
		return vag.Protocol{}, l0.ProtoISO9141, nil
	case "mb1":
		return mb1.Protocol{}, l0.ProtoRaw, nil
	case "raw":
		return raw.Protocol{}, l0.ProtoRaw, nil
	default:
		return nil, 0, fmt.Errorf("unknown L2 protocol %q", name)
	}
}

func main() {
	if err := run(); err != nil {
		diagerr.Logger().Error(err.Error())
		if code, ok := diagerr.Global().GetErr(); ok {
			diagerr.Logger().Error("latched error", "code", int(code), "desc", code.String())
		}
		os.Exit(1)
	}
}

func run() error {
	port := pflag.StringP("port", "p", "", "Serial port to open.")
	driverName := pflag.StringP("driver", "d", "dumb", "L0 driver: dumb, br1 or elm.")
	protoName := pflag.StringP("proto", "P", "iso9141", "L2 protocol: iso9141, d2, vag, mb1 or raw.")
	target := pflag.Uint8P("target", "t", 0x33, "Target (ECU) address.")
	source := pflag.Uint8P("source", "s", 0xF1, "Source (tester) address.")
	bitrate := pflag.IntP("bitrate", "b", 0, "Bitrate in bps.  0 selects the protocol default.")
	timings := pflag.String("timings", "", "Optional yaml file overriding P1..P4 timing parameters.")
	listPorts := pflag.BoolP("list-ports", "l", false, "List plausible serial ports and exit.")
	verbose := pflag.BoolP("verbose", "v", false, "Log wire-level detail.")
	pflag.Parse()

	if *verbose {
		diagerr.SetLevel(log.DebugLevel)
	}

	if *listPorts {
		for _, name := range tty.PortList() {
			fmt.Println(name)
		}
		return nil
	}

	report := diagos.Calibrate()
	for _, w := range report.Warnings {
		diagerr.Logger().Warn(w)
	}

	if *port == "" {
		return fmt.Errorf("no serial port given (use -p; -l lists candidates)")
	}

	driver, ok := l0.Lookup(*driverName)
	if !ok {
		return fmt.Errorf("unknown L0 driver %q (have %v)", *driverName, l0.Names())
	}
	proto, l1proto, err := protoFor(*protoName)
	if err != nil {
		return err
	}

	dev, err := driver.Open(*port, l1proto)
	if err != nil {
		return err
	}

	core := l2.New()
	defer core.End()
	lk, err := core.Open(dev, l1proto)
	if err != nil {
		_ = dev.Close()
		return err
	}

	conn, err := core.StartCommunications(lk, proto, 0, *bitrate, *target, *source)
	if err != nil {
		_ = core.Close(lk)
		return err
	}
	defer func() {
		if err := core.StopCommunications(conn); err != nil {
			diagerr.Logger().Warn("stopcomms", "err", err)
		}
		if err := core.Close(lk); err != nil {
			diagerr.Logger().Warn("l2 close", "err", err)
		}
	}()

	if *timings != "" {
		buf, err := os.ReadFile(*timings)
		if err != nil {
			return diagerr.Global().SetErr(diagerr.RCFile, "timings: %v", err)
		}
		var tf timingFile
		if err := yaml.Unmarshal(buf, &tf); err != nil {
			return diagerr.Global().SetErr(diagerr.BadCfg, "timings: %v", err)
		}
		tf.apply(&conn.Timing)
	}

	core.StartKeepAlive()

	diagerr.Logger().Info("session open",
		"proto", *protoName, "kb1", fmt.Sprintf("%02x", conn.Data.KB1), "kb2", fmt.Sprintf("%02x", conn.Data.KB2))

	switch *protoName {
	case "d2":
		if err := l7d2.New(core, conn).Ping(); err != nil {
			return err
		}
		fmt.Println("ECU answered TesterPresent")
	case "vag":
		if err := kwp71.New(core, conn).Ping(); err != nil {
			return err
		}
		fmt.Println("ECU acknowledged")
	case "iso9141":
		// OBD-II mode 1 PID 0: supported-PID bitmap, the one request
		// every 9141 ECU answers.
		reply, err := core.Request(conn, diagerr.StaticMsg([]byte{0x01, 0x00}))
		if err != nil {
			return err
		}
		fmt.Printf("reply: % x\n", reply.Data)
		diagerr.FreeMsg(reply)
	default:
		fmt.Println("session established")
	}
	return nil
}
