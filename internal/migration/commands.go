package migration

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
)

// vzdump prints the name of the archive it creates
var dumpArchiveRe = regexp.MustCompile(`creating (?:vzdump )?archive '([^']+)'`)

func exportCommand(w Workload, dumpDir string, online bool) string {
	mode := "stop"
	if online {
		mode = "snapshot"
	}

	return fmt.Sprintf("vzdump %d --dumpdir %s --mode %s --compress zstd", w.ID, shellquote.Join(dumpDir), mode)
}

func parseDumpArchive(output string) (string, bool) {
	m := dumpArchiveRe.FindStringSubmatch(output)
	if m == nil {
		return "", false
	}

	return m[1], true
}

// latestDumpCommand is the fallback when vzdump output does not name the archive.
func latestDumpCommand(w Workload, dumpDir string) string {
	kind := "qemu"
	if w.Kind == KindContainer {
		kind = "lxc"
	}

	return fmt.Sprintf("ls -1t %s/vzdump-%s-%d-* | grep -v '\\.log$' | head -n 1", shellquote.Join(dumpDir), kind, w.ID)
}

// dumpLogName returns the log vzdump writes next to the archive:
// vzdump-qemu-100-2024_05_17-10_30_00.vma.zst -> vzdump-qemu-100-2024_05_17-10_30_00.log
func dumpLogName(dump string) string {
	base, _, _ := strings.Cut(path.Base(dump), ".")

	return path.Join(path.Dir(dump), base+".log")
}

// existsCommand checks both kinds: VMs and containers share the id space.
func existsCommand(id int) string {
	vm := Workload{Kind: KindVM, ID: id}
	ct := Workload{Kind: KindContainer, ID: id}

	return fmt.Sprintf("test -e %s -o -e %s && echo 1 || echo 0", vm.configPath(), ct.configPath())
}

func importCommand(w Workload, dump string, id int, storage string, unique bool) string {
	var args []string

	if w.Kind == KindContainer {
		args = []string{"pct", "restore", strconv.Itoa(id), dump}
	} else {
		args = []string{"qmrestore", dump, strconv.Itoa(id)}
	}

	if len(storage) > 0 {
		args = append(args, "--storage", storage)
	}

	if unique {
		args = append(args, "--unique", "1")
	}

	return shellquote.Join(args...)
}

// netDevices extracts netN definitions from `qm config` / `pct config` output.
func netDevices(config string) map[string]string {
	devs := make(map[string]string)

	for _, line := range strings.Split(config, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok || !strings.HasPrefix(key, "net") {
			continue
		}

		if _, err := strconv.Atoi(strings.TrimPrefix(key, "net")); err != nil {
			continue
		}

		devs[key] = strings.TrimSpace(value)
	}

	return devs
}

// replaceBridge rewrites the bridge= property of a net device definition.
// It returns false if the definition has no bridge or already uses the wanted one.
func replaceBridge(def, bridge string) (string, bool) {
	props := strings.Split(def, ",")

	for i, p := range props {
		if v, ok := strings.CutPrefix(p, "bridge="); ok {
			if v == bridge {
				return def, false
			}
			props[i] = "bridge=" + bridge

			return strings.Join(props, ","), true
		}
	}

	return def, false
}

// bridgeCommands returns the `set` commands moving all net devices to bridge.
func bridgeCommands(w Workload, id int, config, bridge string) []string {
	devs := netDevices(config)

	keys := make([]string, 0, len(devs))
	for k := range devs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var cmds []string

	for _, k := range keys {
		def, changed := replaceBridge(devs[k], bridge)
		if !changed {
			continue
		}

		cmds = append(cmds, shellquote.Join(w.tool(), "set", strconv.Itoa(id), "--"+k, def))
	}

	return cmds
}
