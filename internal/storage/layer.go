package storage

import (
	"bytes"
	"crypto/ed25519"
	"sync"
	"time"

	"github.com/andydunstall/kadstore/internal/bloom"
	"github.com/andydunstall/kadstore/internal/digest"
	"github.com/andydunstall/kadstore/internal/number"
	"go.uber.org/zap"
)

const (
	// NoLimit disables the limit on range queries.
	NoLimit = -1
)

// Layer enforces the storage semantics on top of a Backend: domain and entry
// protection, put-if-absent, version forks, staged entries and TTLs.
//
// This is thread safe. Every operation holds the lock for its whole duration
// so a range query or digest observes a consistent snapshot.
type Layer struct {
	backend        Backend
	protection     Protection
	maxVersions    int
	maxEntries     int
	clock          func() time.Time
	removedDomains map[number.ID]struct{}

	// mu protects backend and removedDomains.
	mu sync.RWMutex

	logger *zap.Logger
}

func NewLayer(backend Backend, options ...Option) *Layer {
	opts := defaultOptions()
	for _, opt := range options {
		opt(opts)
	}

	return &Layer{
		backend:        backend,
		protection:     opts.Protection,
		maxVersions:    opts.MaxVersions,
		maxEntries:     opts.MaxEntries,
		clock:          opts.Clock,
		removedDomains: make(map[number.ID]struct{}),
		logger:         opts.Logger,
	}
}

// Put stores a single entry. See PutAll.
func (l *Layer) Put(key number.Key, data *Data, publicKey ed25519.PublicKey, putIfAbsent bool, domainProtection bool) Status {
	statuses := l.PutAll(DataMap{key: data}, publicKey, putIfAbsent, domainProtection)
	status, ok := statuses[key]
	if !ok {
		return StatusFailed
	}
	return status
}

// PutAll stores each entry on behalf of publicKey and returns the status of
// each. If domainProtection is set the writer also claims the domain of each
// entry. Entries that fork the version history of their entry key are stored
// but reported as StatusVersionConflict.
func (l *Layer) PutAll(dataMap DataMap, publicKey ed25519.PublicKey, putIfAbsent bool, domainProtection bool) map[number.Key]Status {
	statuses := make(map[number.Key]Status, len(dataMap))
	if len(dataMap) == 0 {
		return statuses
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entryKeys := make(map[number.EntryKey]struct{})
	for _, key := range dataMap.SortedKeys() {
		entryKeys[key.EntryKey()] = struct{}{}
		statuses[key] = l.putLocked(key, dataMap[key], publicKey, putIfAbsent, domainProtection)
	}

	for entryKey := range entryKeys {
		heads := l.latestLocked(entryKey)
		if len(heads) > 1 {
			for key := range heads {
				if status, ok := statuses[key]; ok && status.IsOK() {
					l.logger.Debug("version fork", zap.Object("key", key))
					statuses[key] = StatusVersionConflict
				}
			}
		}
		l.trimVersionsLocked(entryKey)
	}
	return statuses
}

// Get returns the committed entry under key.
func (l *Layer) Get(key number.Key) (*Data, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	data, ok := l.backend.Get(key)
	if !ok || data.Prepared {
		return nil, false
	}
	return data.Duplicate(), true
}

// GetKeys returns the committed entries of the given keys that exist.
func (l *Layer) GetKeys(keys []number.Key) DataMap {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make(DataMap)
	for _, key := range keys {
		if data, ok := l.backend.Get(key); ok && !data.Prepared {
			result[key] = data.Duplicate()
		}
	}
	return result
}

// GetRange returns up to limit committed entries in [from, to], taking the
// lowest keys if ascending and the highest otherwise.
func (l *Layer) GetRange(from number.Key, to number.Key, limit int, ascending bool) DataMap {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make(DataMap)
	l.scanLocked(from, to, limit, ascending, nil, func(key number.Key, data *Data) {
		result[key] = data.Duplicate()
	})
	return result
}

// GetBloom returns the committed entries in [from, to] selected by the
// filters. If matchAll, an entry is selected when its content key is in
// contentKeys and the hash of its value is in contentHashes. Otherwise the
// filters describe entries the caller already has and an entry is selected
// only when neither filter contains it. A nil filter never excludes an entry.
func (l *Layer) GetBloom(from number.Key, to number.Key, contentKeys *bloom.Filter, contentHashes *bloom.Filter, limit int, ascending bool, matchAll bool) DataMap {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make(DataMap)
	match := bloomMatcher(contentKeys, contentHashes, matchAll)
	l.scanLocked(from, to, limit, ascending, match, func(key number.Key, data *Data) {
		result[key] = data.Duplicate()
	})
	return result
}

// GetLatest returns the heads of the version history of key: every version
// that no other version is based on. More than one head means the history
// has forked.
func (l *Layer) GetLatest(key number.EntryKey) DataMap {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make(DataMap)
	for k, data := range l.latestLocked(key) {
		result[k] = data.Duplicate()
	}
	return result
}

func (l *Layer) Contains(key number.Key) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.backend.Contains(key)
}

func (l *Layer) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.backend.Len()
}

// Digest summarises up to limit committed entries in [from, to]. An empty
// range gives an empty digest.
func (l *Layer) Digest(from number.Key, to number.Key, limit int, ascending bool) *digest.Info {
	l.mu.RLock()
	defer l.mu.RUnlock()

	info := digest.New()
	l.scanLocked(from, to, limit, ascending, nil, func(key number.Key, data *Data) {
		info.Put(key, data.Hash())
	})
	return info
}

// DigestKeys summarises the committed entries of the given keys.
func (l *Layer) DigestKeys(keys []number.Key) *digest.Info {
	l.mu.RLock()
	defer l.mu.RUnlock()

	info := digest.New()
	for _, key := range keys {
		if data, ok := l.backend.Get(key); ok && !data.Prepared {
			info.Put(key, data.Hash())
		}
	}
	return info
}

// DigestBloom summarises the committed entries of the domain selected by the
// filters, with the same selection as GetBloom.
func (l *Layer) DigestBloom(key number.DomainKey, contentKeys *bloom.Filter, contentHashes *bloom.Filter, limit int, ascending bool, matchAll bool) *digest.Info {
	l.mu.RLock()
	defer l.mu.RUnlock()

	info := digest.New()
	match := bloomMatcher(contentKeys, contentHashes, matchAll)
	l.scanLocked(key.Min(), key.Max(), limit, ascending, match, func(key number.Key, data *Data) {
		info.Put(key, data.Hash())
	})
	return info
}

// Remove removes the entry under key on behalf of publicKey. If returnData
// the removed entry is returned.
func (l *Layer) Remove(key number.Key, publicKey ed25519.PublicKey, returnData bool) (*Data, Status) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, status := l.removeLocked(key, publicKey)
	if !returnData {
		return nil, status
	}
	return data, status
}

// RemoveRange removes every entry in [from, to] on behalf of publicKey. It
// returns the status of each entry in the range and the removed entries.
func (l *Layer) RemoveRange(from number.Key, to number.Key, publicKey ed25519.PublicKey) (DataMap, map[number.Key]Status) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var keys []number.Key
	l.backend.Ascend(from, to, func(key number.Key, _ *Data) bool {
		keys = append(keys, key)
		return true
	})

	removed := make(DataMap)
	statuses := make(map[number.Key]Status, len(keys))
	for _, key := range keys {
		data, status := l.removeLocked(key, publicKey)
		statuses[key] = status
		if data != nil {
			removed[key] = data
		}
	}
	return removed, statuses
}

// PutConfirm commits a staged entry, taking its TTL from newData.
func (l *Layer) PutConfirm(publicKey ed25519.PublicKey, key number.Key, newData *Data) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.securityEntryCheck(key.EntryKey(), publicKey, newData.PublicKey, newData.ProtectedEntry) {
		return StatusFailedSecurity
	}

	data, ok := l.backend.Get(key)
	if !ok {
		return StatusNotFound
	}
	data.Prepared = false
	data.TTLSeconds = newData.TTLSeconds
	data.ValidFrom = l.validFrom(newData)
	l.updateTimeoutLocked(key, data)
	return StatusOK
}

// PutReject discards a staged entry. Committed entries cannot be rejected.
func (l *Layer) PutReject(publicKey ed25519.PublicKey, key number.Key) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.canClaimDomain(key.DomainKey(), publicKey) || !l.canClaimEntry(key.EntryKey(), publicKey) {
		return StatusFailedSecurity
	}
	data, ok := l.backend.Get(key)
	if !ok {
		return StatusNotFound
	}
	if !data.Prepared {
		return StatusFailed
	}
	l.backend.RemoveTimeout(key)
	l.backend.Remove(key)
	return StatusOK
}

// UpdateMeta replaces the owner key and TTL of an entry.
func (l *Layer) UpdateMeta(publicKey ed25519.PublicKey, key number.Key, newData *Data) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.securityEntryCheck(key.EntryKey(), publicKey, newData.PublicKey, newData.ProtectedEntry) {
		return StatusFailedSecurity
	}

	data, ok := l.backend.Get(key)
	if !ok {
		return StatusNotFound
	}
	if newData.PublicKey != nil {
		data.PublicKey = newData.PublicKey
	}
	data.ProtectedEntry = newData.ProtectedEntry
	data.TTLSeconds = newData.TTLSeconds
	data.ValidFrom = l.validFrom(newData)
	l.updateTimeoutLocked(key, data)
	return StatusOK
}

// UpdateDomainMeta transfers ownership of a domain from publicKey to
// newPublicKey.
func (l *Layer) UpdateDomainMeta(key number.DomainKey, publicKey ed25519.PublicKey, newPublicKey ed25519.PublicKey) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.securityDomainCheck(key, publicKey, newPublicKey, true) {
		return StatusFailedSecurity
	}
	return StatusOK
}

// RemoveDomain blocks the domain from ever being claimed.
func (l *Layer) RemoveDomain(domain number.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.removedDomains[domain] = struct{}{}
}

// CheckTimeout removes every expired entry and returns the number removed.
func (l *Layer) CheckTimeout() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	expired := l.backend.Expired(l.clock())
	for _, key := range expired {
		l.backend.Remove(key)
		l.backend.RemoveTimeout(key)
	}
	if len(expired) > 0 {
		l.logger.Debug("removed expired entries", zap.Int("count", len(expired)))
	}
	return len(expired)
}

func (l *Layer) putLocked(key number.Key, data *Data, publicKey ed25519.PublicKey, putIfAbsent bool, domainProtection bool) Status {
	if !l.securityDomainCheck(key.DomainKey(), publicKey, publicKey, domainProtection) {
		l.logger.Debug("domain protected by others", zap.Object("key", key))
		return StatusFailedSecurity
	}

	dataKey := data.PublicKey
	if dataKey == nil {
		dataKey = publicKey
	}
	if !l.securityEntryCheck(key.EntryKey(), publicKey, dataKey, data.ProtectedEntry) {
		l.logger.Debug("entry protected by others", zap.Object("key", key))
		return StatusFailedSecurity
	}

	if old, ok := l.backend.Get(key); ok {
		if putIfAbsent {
			return StatusFailedNotAbsent
		}
		if !old.BasedOnEqual(data) {
			return StatusVersionConflict
		}
	} else if l.maxEntries > 0 && l.backend.Len() >= l.maxEntries {
		return StatusFailed
	}

	stored := data.Duplicate()
	stored.ValidFrom = l.validFrom(data)
	if stored.ProtectedEntry && stored.PublicKey == nil {
		stored.PublicKey = publicKey
	}
	l.backend.Put(key, stored)
	l.updateTimeoutLocked(key, stored)

	if stored.Prepared {
		return StatusOKPrepared
	}
	return StatusOK
}

func (l *Layer) removeLocked(key number.Key, publicKey ed25519.PublicKey) (*Data, Status) {
	if !l.canClaimDomain(key.DomainKey(), publicKey) {
		return nil, StatusFailedSecurity
	}
	if !l.canClaimEntry(key.EntryKey(), publicKey) {
		return nil, StatusFailedSecurity
	}
	if !l.backend.Contains(key) {
		return nil, StatusNotFound
	}
	l.backend.RemoveTimeout(key)
	data, _ := l.backend.Remove(key)
	return data, StatusOK
}

// scanLocked calls fn for up to limit committed entries in [from, to] that
// match.
func (l *Layer) scanLocked(from number.Key, to number.Key, limit int, ascending bool, match func(number.Key, *Data) bool, fn func(number.Key, *Data)) {
	count := 0
	visit := func(key number.Key, data *Data) bool {
		if data.Prepared {
			return true
		}
		if match != nil && !match(key, data) {
			return true
		}
		if limit >= 0 && count >= limit {
			return false
		}
		count++
		fn(key, data)
		return true
	}

	if ascending {
		l.backend.Ascend(from, to, visit)
	} else {
		l.backend.Descend(from, to, visit)
	}
}

// latestLocked returns the heads of the committed versions under key.
func (l *Layer) latestLocked(key number.EntryKey) DataMap {
	versions := make(DataMap)
	var ordered []number.Key
	l.backend.Ascend(key.Min(), key.Max(), func(k number.Key, data *Data) bool {
		if !data.Prepared {
			versions[k] = data
			ordered = append(ordered, k)
		}
		return true
	})

	heads := make(DataMap)
	for i := len(ordered) - 1; i >= 0; i-- {
		latest := ordered[i]
		data, ok := versions[latest]
		if !ok {
			continue
		}
		heads[latest] = data

		// Drop the latest version and every version it is based on,
		// transitively.
		pending := []number.Key{latest}
		for len(pending) > 0 {
			k := pending[0]
			pending = pending[1:]
			version, ok := versions[k]
			if !ok {
				continue
			}
			delete(versions, k)
			for _, basedOn := range version.BasedOn {
				pending = append(pending, key.WithVersion(basedOn))
			}
		}
	}
	return heads
}

func (l *Layer) trimVersionsLocked(key number.EntryKey) {
	if l.maxVersions <= 0 {
		return
	}

	var versions []number.Key
	l.backend.Ascend(key.Min(), key.Max(), func(k number.Key, _ *Data) bool {
		versions = append(versions, k)
		return true
	})
	for len(versions) > l.maxVersions {
		l.backend.Remove(versions[0])
		l.backend.RemoveTimeout(versions[0])
		versions = versions[1:]
	}
}

func (l *Layer) updateTimeoutLocked(key number.Key, data *Data) {
	if expiry, ok := data.ExpiresAt(); ok {
		l.backend.AddTimeout(key, expiry)
	} else {
		l.backend.RemoveTimeout(key)
	}
}

func (l *Layer) validFrom(data *Data) time.Time {
	if data.ValidFrom.IsZero() {
		return l.clock()
	}
	return data.ValidFrom
}

func (l *Layer) securityDomainCheck(key number.DomainKey, publicKey ed25519.PublicKey, newPublicKey ed25519.PublicKey, domainProtection bool) bool {
	if !domainProtection {
		return !l.domainProtectedByOthers(key, publicKey)
	}
	if !l.canClaimDomain(key, publicKey) {
		return false
	}
	if newPublicKey != nil && l.canProtectDomain(key.Domain, publicKey) {
		l.logger.Debug("protect domain", zap.Stringer("domain", key))
		l.backend.ProtectDomain(key, newPublicKey)
	}
	return true
}

// securityEntryCheck only lets the key that signed the request claim the
// entry. publicKeyData is unsigned, so it is only recorded as the new owner.
func (l *Layer) securityEntryCheck(key number.EntryKey, publicKeyMessage ed25519.PublicKey, publicKeyData ed25519.PublicKey, entryProtection bool) bool {
	if !entryProtection {
		return !l.entryProtectedByOthers(key, publicKeyMessage)
	}
	if !l.canClaimEntry(key, publicKeyMessage) {
		return false
	}
	if publicKeyData != nil && l.canProtectEntry(key.Content, publicKeyMessage) {
		l.backend.ProtectEntry(key, publicKeyData)
	}
	return true
}

func (l *Layer) domainProtectedByOthers(key number.DomainKey, publicKey ed25519.PublicKey) bool {
	owner, ok := l.backend.DomainOwner(key)
	if !ok {
		return false
	}
	return !bytes.Equal(owner, publicKey)
}

func (l *Layer) entryProtectedByOthers(key number.EntryKey, publicKey ed25519.PublicKey) bool {
	owner, ok := l.backend.EntryOwner(key)
	if !ok {
		return false
	}
	return !bytes.Equal(owner, publicKey)
}

func (l *Layer) canClaimDomain(key number.DomainKey, publicKey ed25519.PublicKey) bool {
	return !l.domainProtectedByOthers(key, publicKey) || l.forceOverrideDomain(key.Domain, publicKey)
}

func (l *Layer) canClaimEntry(key number.EntryKey, publicKey ed25519.PublicKey) bool {
	return !l.entryProtectedByOthers(key, publicKey) || l.forceOverrideEntry(key.Content, publicKey)
}

func (l *Layer) canProtectDomain(domain number.ID, publicKey ed25519.PublicKey) bool {
	if _, ok := l.removedDomains[domain]; ok {
		return false
	}
	if l.protection.DomainEnable == ProtectionAll {
		return true
	}
	return l.forceOverrideDomain(domain, publicKey)
}

func (l *Layer) canProtectEntry(content number.ID, publicKey ed25519.PublicKey) bool {
	if l.protection.EntryEnable == ProtectionAll {
		return true
	}
	return l.forceOverrideEntry(content, publicKey)
}

func (l *Layer) forceOverrideDomain(domain number.ID, publicKey ed25519.PublicKey) bool {
	return l.protection.DomainMode == ProtectionMasterPublicKey && IsMine(domain, publicKey)
}

func (l *Layer) forceOverrideEntry(content number.ID, publicKey ed25519.PublicKey) bool {
	return l.protection.EntryMode == ProtectionMasterPublicKey && IsMine(content, publicKey)
}

// IsMine reports whether key is the SHA-1 of publicKey, which makes
// publicKey the master key of key.
func IsMine(key number.ID, publicKey ed25519.PublicKey) bool {
	if publicKey == nil {
		return false
	}
	return key == number.Hash(publicKey)
}

func bloomMatcher(contentKeys *bloom.Filter, contentHashes *bloom.Filter, matchAll bool) func(number.Key, *Data) bool {
	return func(key number.Key, data *Data) bool {
		if matchAll {
			return (contentKeys == nil || contentKeys.Contains(key.Content)) &&
				(contentHashes == nil || contentHashes.Contains(data.Hash()))
		}
		return (contentKeys == nil || !contentKeys.Contains(key.Content)) &&
			(contentHashes == nil || !contentHashes.Contains(data.Hash()))
	}
}
