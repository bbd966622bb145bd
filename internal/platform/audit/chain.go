package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

func ComputeHash(prev string, r Record) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte(fmt.Sprintf("|%d", r.Seq)))
	_, _ = h.Write([]byte("|" + r.RecordedAt.UTC().Format("2006-01-02T15:04:05.999999999Z")))
	_, _ = h.Write([]byte("|" + r.Actor + "|" + r.ObjectType + "|" + r.ObjectID + "|" + r.Action + "|" + string(r.Result)))
	_, _ = h.Write([]byte(fmt.Sprintf("|%x|%x", r.Before, r.After)))
	return hex.EncodeToString(h.Sum(nil))
}
