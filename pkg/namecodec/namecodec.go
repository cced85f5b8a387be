// Package namecodec encodes and decodes remote backup artifact names.
//
// The grammar mirrors the snapshot naming used on the ZFS side, so an
// artifact name is self-describing without any remote-side metadata:
//
//	<dataset>@<prefix><timestamp>-full.<ext>
//	<dataset>@<prefix><timestamp>-incr-<parent-timestamp>.<ext>
//
// Timestamps use a fixed-width layout, so for a fixed dataset and prefix the
// encoded names sort lexically by creation time. Round-trip law:
// Decode(Encode(a)) == a for every valid artifact.
package namecodec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-zback/pkg/util"
)

// TimestampLayout is the fixed-width timestamp layout used in snapshot and
// artifact names. All characters are filesystem- and object-store-safe.
const TimestampLayout = "2006-01-02_15-04-05"

// tsWidth is the encoded width of TimestampLayout.
const tsWidth = len(TimestampLayout)

const (
	fullSuffix = "-full"
	incrMarker = "-incr-"
)

// ErrMalformedName is returned (wrapped, with detail) by Decode for any name
// that does not match the artifact grammar.
var ErrMalformedName = errors.New("malformed artifact name")

// Kind distinguishes full backups from incremental deltas.
type Kind int

const (
	// Full is a complete, self-contained copy of the dataset state.
	Full Kind = iota
	// Incremental is a delta against a parent snapshot.
	Incremental
)

var kindToString = map[Kind]string{
	Full:        "full",
	Incremental: "incremental",
}

var stringToKind = util.InvertMap(kindToString)

func (k Kind) String() string {
	if s, ok := kindToString[k]; ok {
		return s
	}
	return fmt.Sprintf("unknown_kind(%d)", int(k))
}

// ParseKind converts a string into a Kind.
func ParseKind(s string) (Kind, error) {
	if k, ok := stringToKind[s]; ok {
		return k, nil
	}
	return Full, fmt.Errorf("invalid backup kind: %q. Must be 'full' or 'incremental'", s)
}

// Artifact identifies a single remote backup object.
type Artifact struct {
	// Dataset is the ZFS dataset path, e.g. "tank/data".
	Dataset string
	// Prefix is the snapshot name prefix, e.g. "zback-". May be empty.
	Prefix string
	// Kind is Full or Incremental.
	Kind Kind
	// Timestamp is the snapshot creation time (UTC wall clock).
	Timestamp time.Time
	// Parent is the parent snapshot's timestamp. Set iff Kind is Incremental.
	Parent time.Time
	// Extension is the compression codec's file extension, e.g. "gz".
	Extension string
}

// SnapshotName returns the local ZFS snapshot name this artifact was sent from.
func (a Artifact) SnapshotName() string {
	return SnapshotName(a.Dataset, a.Prefix, a.Timestamp)
}

// ParentSnapshotName returns the parent snapshot name for incremental
// artifacts, or "" for full ones.
func (a Artifact) ParentSnapshotName() string {
	if a.Kind != Incremental {
		return ""
	}
	return SnapshotName(a.Dataset, a.Prefix, a.Parent)
}

// SnapshotName builds a ZFS snapshot name from its parts.
func SnapshotName(dataset, prefix string, ts time.Time) string {
	return dataset + "@" + prefix + ts.Format(TimestampLayout)
}

// SnapshotTimestamp extracts the timestamp from a snapshot name that belongs
// to the given dataset and prefix. It fails for names outside that namespace.
func SnapshotTimestamp(name, dataset, prefix string) (time.Time, error) {
	want := dataset + "@" + prefix
	if !strings.HasPrefix(name, want) {
		return time.Time{}, fmt.Errorf("snapshot %q does not belong to %q with prefix %q", name, dataset, prefix)
	}
	ts, err := time.Parse(TimestampLayout, name[len(want):])
	if err != nil {
		return time.Time{}, fmt.Errorf("snapshot %q has an unparsable timestamp: %w", name, err)
	}
	return ts, nil
}

// Encode builds the remote object name for an artifact.
// It validates the artifact so that invalid names can never reach the remote.
func Encode(a Artifact) (string, error) {
	if err := validate(a); err != nil {
		return "", err
	}
	ts := a.Timestamp.Format(TimestampLayout)
	if a.Kind == Incremental {
		return fmt.Sprintf("%s@%s%s%s%s.%s", a.Dataset, a.Prefix, ts, incrMarker, a.Parent.Format(TimestampLayout), a.Extension), nil
	}
	return fmt.Sprintf("%s@%s%s%s.%s", a.Dataset, a.Prefix, ts, fullSuffix, a.Extension), nil
}

// Decode parses a remote object name back into an Artifact.
// Any deviation from the grammar fails with a wrapped ErrMalformedName.
func Decode(name string) (Artifact, error) {
	var a Artifact

	at := strings.LastIndex(name, "@")
	if at <= 0 || at == len(name)-1 {
		return a, fmt.Errorf("%w: %q: missing dataset separator", ErrMalformedName, name)
	}
	a.Dataset = name[:at]
	rest := name[at+1:]

	dot := strings.LastIndex(rest, ".")
	if dot <= 0 || dot == len(rest)-1 {
		return a, fmt.Errorf("%w: %q: missing extension", ErrMalformedName, name)
	}
	a.Extension = rest[dot+1:]
	body := rest[:dot]

	var stem string
	switch {
	case strings.HasSuffix(body, fullSuffix):
		a.Kind = Full
		stem = body[:len(body)-len(fullSuffix)]
	case len(body) > tsWidth+len(incrMarker) &&
		body[len(body)-tsWidth-len(incrMarker):len(body)-tsWidth] == incrMarker:
		a.Kind = Incremental
		parent, err := time.Parse(TimestampLayout, body[len(body)-tsWidth:])
		if err != nil {
			return a, fmt.Errorf("%w: %q: bad parent timestamp: %v", ErrMalformedName, name, err)
		}
		a.Parent = parent
		stem = body[:len(body)-tsWidth-len(incrMarker)]
	default:
		return a, fmt.Errorf("%w: %q: unknown kind suffix", ErrMalformedName, name)
	}

	if len(stem) < tsWidth {
		return a, fmt.Errorf("%w: %q: missing timestamp", ErrMalformedName, name)
	}
	ts, err := time.Parse(TimestampLayout, stem[len(stem)-tsWidth:])
	if err != nil {
		return a, fmt.Errorf("%w: %q: bad timestamp: %v", ErrMalformedName, name, err)
	}
	a.Timestamp = ts
	a.Prefix = stem[:len(stem)-tsWidth]

	if err := validate(a); err != nil {
		return Artifact{}, fmt.Errorf("%w: %q: %v", ErrMalformedName, name, err)
	}
	return a, nil
}

func validate(a Artifact) error {
	if a.Dataset == "" {
		return errors.New("dataset must not be empty")
	}
	if strings.Contains(a.Dataset, "@") {
		return errors.New("dataset must not contain '@'")
	}
	if strings.ContainsAny(a.Prefix, "@./") {
		return errors.New("prefix must not contain '@', '.' or '/'")
	}
	if a.Extension == "" || strings.ContainsAny(a.Extension, "@./") {
		return errors.New("extension must be a bare suffix like 'gz'")
	}
	if a.Timestamp.IsZero() {
		return errors.New("timestamp must be set")
	}
	switch a.Kind {
	case Full:
		if !a.Parent.IsZero() {
			return errors.New("full artifacts must not carry a parent reference")
		}
	case Incremental:
		if a.Parent.IsZero() {
			return errors.New("incremental artifacts require a parent reference")
		}
		if !a.Parent.Before(a.Timestamp) {
			return errors.New("parent timestamp must precede the artifact timestamp")
		}
	default:
		return fmt.Errorf("invalid kind %d", int(a.Kind))
	}
	return nil
}
