// Package dedupe provides a bounded, expiring seen-set.
//
// A Cache answers "have I announced this key recently?" Mailbox watchers
// key it by watcher and mail ID, Forget keys when mail is expunged or the
// watch ends, and the gateway reports Len on /health/ready.
//
//	seen := dedupe.New(dedupe.Options{TTL: 10 * time.Minute})
//	defer seen.Close()
//	if !seen.Seen(agentID + "/" + mail.ID) {
//		// first sighting
//	}
package dedupe
