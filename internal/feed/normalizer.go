package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/sdko-org/vehicle-registry-cache/internal/crypto"
	"github.com/sdko-org/vehicle-registry-cache/internal/models"
	"github.com/sdko-org/vehicle-registry-cache/internal/registry"
	"github.com/sirupsen/logrus"
)

// Record is one canonical vehicle in plaintext, after expansion and merging.
type Record struct {
	ExternalID     string
	CreditorName   string
	VehicleModel   string
	UF             string
	City           string
	DebtorTaxID    string
	Protocol       string
	Stage          string
	SeizureStatus  string
	RequestDate    *time.Time
	LastMovementAt *time.Time
	Contract       string
	Plate          string

	seq int // arrival order, last resort tiebreak
}

// Normalizer flattens heterogeneous upstream notifications into one canonical
// record per distinct vehicle, deduplicating variants that describe the same
// physical vehicle/contract.
type Normalizer struct {
	cipher *crypto.FieldCipher
	log    *logrus.Entry
}

func New(logger *logrus.Logger, cipher *crypto.FieldCipher) *Normalizer {
	return &Normalizer{
		cipher: cipher,
		log:    logger.WithField("component", "feed_normalizer"),
	}
}

// Normalize expands and deduplicates the notifications, leaving every field
// in plaintext. This is the forResponse mode, used when results go straight
// to the caller without touching the store.
func (n *Normalizer) Normalize(notifications []registry.NotificationRecord) []Record {
	return n.reduce(n.expand(notifications))
}

// ForCache normalizes and then prepares persistable records: digests are
// computed from the normalized plaintext, then contract and plate go through
// the cipher. A record whose sensitive fields cannot be encrypted is dropped
// and counted, never persisted in the clear; the rest of the batch proceeds.
func (n *Normalizer) ForCache(notifications []registry.NotificationRecord) (records []models.VehicleCacheRecord, skipped int) {
	for _, rec := range n.Normalize(notifications) {
		contract, err := n.cipher.Encrypt(rec.Contract)
		if err != nil {
			n.log.WithError(err).WithField("external_id", rec.ExternalID).Error("Dropping record: contract encryption failed")
			skipped++
			continue
		}
		plate, err := n.cipher.Encrypt(rec.Plate)
		if err != nil {
			n.log.WithError(err).WithField("external_id", rec.ExternalID).Error("Dropping record: plate encryption failed")
			skipped++
			continue
		}

		records = append(records, models.VehicleCacheRecord{
			ExternalID:     rec.ExternalID,
			CreditorName:   rec.CreditorName,
			RequestDate:    rec.RequestDate,
			VehicleModel:   rec.VehicleModel,
			UF:             rec.UF,
			City:           rec.City,
			DebtorTaxID:    rec.DebtorTaxID,
			Protocol:       rec.Protocol,
			Stage:          rec.Stage,
			SeizureStatus:  rec.SeizureStatus,
			LastMovementAt: rec.LastMovementAt,
			Contract:       contract,
			ContractDigest: crypto.DigestContract(rec.Contract),
			Plate:          plate,
			PlateDigest:    crypto.DigestPlate(rec.Plate),
		})
	}
	return records, skipped
}

// expand turns each notification into one candidate per vehicle sub-record,
// or a single candidate built from notification-level fields when no
// sub-records are present. Missing vehicle-level fields get the sentinel.
func (n *Normalizer) expand(notifications []registry.NotificationRecord) []Record {
	var candidates []Record
	for _, notif := range notifications {
		base := Record{
			ExternalID:     notif.ExternalID,
			CreditorName:   orSentinel(notif.CreditorName),
			VehicleModel:   orSentinel(notif.VehicleModel),
			UF:             orSentinel(notif.UF),
			City:           orSentinel(notif.City),
			DebtorTaxID:    orSentinel(notif.DebtorTaxID),
			Protocol:       orSentinel(notif.Protocol),
			Stage:          orSentinel(notif.Stage),
			SeizureStatus:  orSentinel(notif.SeizureStatus),
			RequestDate:    n.parseDate(notif.RequestDate, notif.ExternalID),
			LastMovementAt: n.parseDate(notif.LastMovementDate, notif.ExternalID),
			Contract:       orSentinel(notif.ContractNumber),
			Plate:          orSentinel(notif.Plate),
		}

		if len(notif.Vehicles) == 0 {
			base.seq = len(candidates)
			candidates = append(candidates, base)
			continue
		}

		for _, vehicle := range notif.Vehicles {
			candidate := base
			candidate.Plate = orSentinel(vehicle.Plate)
			candidate.VehicleModel = orSentinel(vehicle.VehicleModel)
			candidate.UF = orSentinel(vehicle.UF)
			candidate.seq = len(candidates)
			candidates = append(candidates, candidate)
		}
	}
	return candidates
}

// reduce groups candidates by merge key and collapses each group through the
// pairwise winner rule, preserving first-seen key order in the output.
func (n *Normalizer) reduce(candidates []Record) []Record {
	byKey := make(map[string]Record)
	var order []string

	for _, candidate := range candidates {
		key := mergeKey(candidate)
		existing, ok := byKey[key]
		if !ok {
			byKey[key] = candidate
			order = append(order, key)
			continue
		}
		byKey[key] = merge(existing, candidate)
	}

	out := make([]Record, 0, len(order))
	for _, key := range order {
		out = append(out, byKey[key])
	}
	return out
}

// keyRule contributes a labeled key fragment when its field is usable. Rules
// are evaluated in order and the first match supplies the merge key; the
// label keeps namespaces apart so a plate equal to a creditor name cannot
// collapse two distinct vehicles into one key.
type keyRule struct {
	label   string
	extract func(Record) string
}

var keyRules = []keyRule{
	{"contract", func(r Record) string { return foldOpaque(r.Contract) }},
	{"plate", func(r Record) string { return r.Plate }},
	{"creditor", func(r Record) string { return r.CreditorName }},
	{"model", func(r Record) string { return r.VehicleModel }},
	{"uf", func(r Record) string { return r.UF }},
	{"requested", func(r Record) string {
		if r.RequestDate == nil {
			return ""
		}
		return r.RequestDate.Format(time.RFC3339)
	}},
}

func mergeKey(r Record) string {
	for _, rule := range keyRules {
		if value := rule.extract(r); present(value) {
			return rule.label + "=" + value
		}
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{
		r.ExternalID, r.CreditorName, r.VehicleModel, r.UF, r.City,
		r.DebtorTaxID, r.Protocol, r.Stage, r.SeizureStatus, r.Contract, r.Plate,
	}, "|")))
	return "record=" + hex.EncodeToString(sum[:])
}

// foldOpaque hashes contract values that are already ciphertext-shaped so
// merge keys stay short; real contract numbers pass through unchanged.
func foldOpaque(contract string) string {
	if !crypto.IsCiphertextShaped(contract) {
		return contract
	}
	sum := sha256.Sum256([]byte(contract))
	return hex.EncodeToString(sum[:])
}

// merge picks the winner of two candidates for the same key and backfills
// its sentinel/blank fields from the loser. The pick is order-independent:
// later last-movement wins, a present last-movement beats an absent one, the
// same rule then applies to the request date, and only when neither side has
// any date does the most-recently-seen candidate win.
func merge(a, b Record) Record {
	winner, loser := pickWinner(a, b)

	backfill(&winner.ExternalID, loser.ExternalID)
	backfill(&winner.CreditorName, loser.CreditorName)
	backfill(&winner.VehicleModel, loser.VehicleModel)
	backfill(&winner.UF, loser.UF)
	backfill(&winner.City, loser.City)
	backfill(&winner.DebtorTaxID, loser.DebtorTaxID)
	backfill(&winner.Protocol, loser.Protocol)
	backfill(&winner.Stage, loser.Stage)
	backfill(&winner.SeizureStatus, loser.SeizureStatus)
	backfill(&winner.Contract, loser.Contract)
	backfill(&winner.Plate, loser.Plate)
	if winner.RequestDate == nil {
		winner.RequestDate = loser.RequestDate
	}
	if winner.LastMovementAt == nil {
		winner.LastMovementAt = loser.LastMovementAt
	}
	return winner
}

func pickWinner(a, b Record) (Record, Record) {
	if cmp, decided := compareDates(a.LastMovementAt, b.LastMovementAt); decided {
		if cmp >= 0 {
			return a, b
		}
		return b, a
	}
	if cmp, decided := compareDates(a.RequestDate, b.RequestDate); decided {
		if cmp >= 0 {
			return a, b
		}
		return b, a
	}
	if a.seq >= b.seq {
		return a, b
	}
	return b, a
}

// compareDates returns (>0, true) when x wins and (<0, true) when y wins.
// A present date always beats an absent one. Both absent or exactly equal is
// undecided, so the next rule gets a say; deciding ties here would make the
// pick depend on argument order.
func compareDates(x, y *time.Time) (int, bool) {
	switch {
	case x == nil && y == nil:
		return 0, false
	case y == nil:
		return 1, true
	case x == nil:
		return -1, true
	case x.After(*y):
		return 1, true
	case y.After(*x):
		return -1, true
	default:
		return 0, false
	}
}

func backfill(dst *string, src string) {
	if !present(*dst) && present(src) {
		*dst = src
	}
}

func present(value string) bool {
	trimmed := strings.TrimSpace(value)
	return trimmed != "" && trimmed != models.NotProvided
}

func orSentinel(value string) string {
	if strings.TrimSpace(value) == "" {
		return models.NotProvided
	}
	return strings.TrimSpace(value)
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
	"02/01/2006",
}

// parseDate tolerates the registry's assorted date formats. A malformed date
// is logged and the record proceeds with a nil date; it never aborts a batch.
func (n *Normalizer) parseDate(value, externalID string) *time.Time {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" || trimmed == models.NotProvided {
		return nil
	}
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, trimmed); err == nil {
			return &parsed
		}
	}
	n.log.WithFields(logrus.Fields{
		"external_id": externalID,
		"value":       value,
	}).Warn("Unparseable date in upstream feed")
	return nil
}
