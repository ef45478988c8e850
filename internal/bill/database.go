package bill

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const (
	billsBucketName    = "bills"
	versionsBucketName = "versions"
	profilesBucketName = "profiles"

	versionIDPrefix = "analysis_"
)

// ErrNotFound is returned when a bill, version or profile does not exist
var ErrNotFound = errors.New("not found")

// DB defines the interface for database operations
type DB interface {
	// SaveBill creates or replaces a bill
	SaveBill(bill *Bill) error

	// UpdateBill applies fn to the stored bill inside a single write transaction
	UpdateBill(id string, fn func(*Bill) error) (*Bill, error)

	// GetBill retrieves a bill by ID
	GetBill(id string) (*Bill, error)

	// ListBills returns the bills of a user, or every bill when userID is empty
	ListBills(userID string) ([]*Bill, error)

	// DeleteBill removes a bill and all of its versions
	DeleteBill(id string) error

	// CreateVersion allocates the next version number for the bill and stores the version
	CreateVersion(billID string, version *AnalysisVersion) (*AnalysisVersion, error)

	// ListVersions returns a bill's versions, most recently analyzed first
	ListVersions(billID string) ([]*AnalysisVersion, error)

	// LatestVersion returns the most recently analyzed version
	LatestVersion(billID string) (*AnalysisVersion, error)

	// DeleteVersion removes one version; the bill's mirrored fields are left alone
	DeleteVersion(billID, versionID string) error

	// MarkVersionError records a failure on an existing version
	MarkVersionError(billID, versionID, message string) error

	// SaveProfile creates or replaces a user profile
	SaveProfile(profile *UserProfile) error

	// GetProfile retrieves a user profile
	GetProfile(userID string) (*UserProfile, error)

	// Close closes the database connection
	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{billsBucketName, versionsBucketName, profilesBucketName} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

// VersionID formats the identifier of the nth analysis of a bill
func VersionID(n int) string {
	return fmt.Sprintf("%s%02d", versionIDPrefix, n)
}

func parseVersionID(id string) (uint64, error) {
	n, err := strconv.ParseUint(strings.TrimPrefix(id, versionIDPrefix), 10, 64)
	if err != nil || !strings.HasPrefix(id, versionIDPrefix) || n == 0 {
		return 0, fmt.Errorf("version %s: %w", id, ErrNotFound)
	}
	return n, nil
}

func seqKey(n uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, n)
	return key
}

func getJSON(bucket *bbolt.Bucket, key []byte, v any) bool {
	data := bucket.Get(key)
	if data == nil {
		return false
	}
	return json.Unmarshal(data, v) == nil
}

func putJSON(bucket *bbolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %T: %w", v, err)
	}
	return bucket.Put(key, data)
}

// SaveBill saves a bill to the database
func (b *BoltDB) SaveBill(bill *Bill) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket([]byte(billsBucketName)), []byte(bill.ID), bill)
	})
}

// UpdateBill reads, modifies and writes a bill atomically
func (b *BoltDB) UpdateBill(id string, fn func(*Bill) error) (*Bill, error) {
	var updated Bill
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(billsBucketName))
		data := bucket.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("bill %s: %w", id, ErrNotFound)
		}
		if err := json.Unmarshal(data, &updated); err != nil {
			return fmt.Errorf("unmarshaling bill: %w", err)
		}
		if err := fn(&updated); err != nil {
			return err
		}
		return putJSON(bucket, []byte(id), &updated)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// GetBill retrieves a bill by ID
func (b *BoltDB) GetBill(id string) (*Bill, error) {
	var bill *Bill
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(billsBucketName)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("bill %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &bill)
	})
	if err != nil {
		return nil, err
	}
	return bill, nil
}

// ListBills returns bills, newest first
func (b *BoltDB) ListBills(userID string) ([]*Bill, error) {
	bills := make([]*Bill, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(billsBucketName)).ForEach(func(k, v []byte) error {
			var bill Bill
			if err := json.Unmarshal(v, &bill); err != nil {
				return fmt.Errorf("unmarshaling bill: %w", err)
			}
			if userID == "" || bill.UserID == userID {
				bills = append(bills, &bill)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(bills, func(i, j int) bool {
		return bills[i].CreatedAt.After(bills[j].CreatedAt)
	})
	return bills, nil
}

// DeleteBill removes a bill and its versions bucket
func (b *BoltDB) DeleteBill(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bills := tx.Bucket([]byte(billsBucketName))
		if bills.Get([]byte(id)) == nil {
			return fmt.Errorf("bill %s: %w", id, ErrNotFound)
		}
		versions := tx.Bucket([]byte(versionsBucketName))
		if versions.Bucket([]byte(id)) != nil {
			if err := versions.DeleteBucket([]byte(id)); err != nil {
				return fmt.Errorf("deleting versions: %w", err)
			}
		}
		return bills.Delete([]byte(id))
	})
}

// CreateVersion stores a new version. The bucket sequence is the version counter, so two runs for the
// same bill can never be given the same number.
func (b *BoltDB) CreateVersion(billID string, version *AnalysisVersion) (*AnalysisVersion, error) {
	created := *version
	err := b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(billsBucketName)).Get([]byte(billID)) == nil {
			return fmt.Errorf("bill %s: %w", billID, ErrNotFound)
		}
		bucket, err := tx.Bucket([]byte(versionsBucketName)).CreateBucketIfNotExists([]byte(billID))
		if err != nil {
			return fmt.Errorf("creating versions bucket: %w", err)
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating version number: %w", err)
		}

		created.BillID = billID
		created.Version = int(seq)
		created.ID = VersionID(int(seq))
		if created.Status == "" {
			created.Status = VersionAnalyzed
		}
		return putJSON(bucket, seqKey(seq), &created)
	})
	if err != nil {
		return nil, err
	}
	return &created, nil
}

// ListVersions returns versions ordered by analysis time, newest first. Versions analyzed at the same
// instant are ordered by version number, highest first.
func (b *BoltDB) ListVersions(billID string) ([]*AnalysisVersion, error) {
	versions := make([]*AnalysisVersion, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(billsBucketName)).Get([]byte(billID)) == nil {
			return fmt.Errorf("bill %s: %w", billID, ErrNotFound)
		}
		bucket := tx.Bucket([]byte(versionsBucketName)).Bucket([]byte(billID))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var version AnalysisVersion
			if err := json.Unmarshal(v, &version); err != nil {
				return fmt.Errorf("unmarshaling version: %w", err)
			}
			versions = append(versions, &version)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(versions, func(i, j int) bool {
		if !versions[i].AnalyzedAt.Equal(versions[j].AnalyzedAt) {
			return versions[i].AnalyzedAt.After(versions[j].AnalyzedAt)
		}
		return versions[i].Version > versions[j].Version
	})
	return versions, nil
}

// LatestVersion returns the first version in ListVersions order
func (b *BoltDB) LatestVersion(billID string) (*AnalysisVersion, error) {
	versions, err := b.ListVersions(billID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, fmt.Errorf("versions of bill %s: %w", billID, ErrNotFound)
	}
	return versions[0], nil
}

// DeleteVersion hard-deletes a version
func (b *BoltDB) DeleteVersion(billID, versionID string) error {
	seq, err := parseVersionID(versionID)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(versionsBucketName)).Bucket([]byte(billID))
		if bucket == nil || bucket.Get(seqKey(seq)) == nil {
			return fmt.Errorf("version %s of bill %s: %w", versionID, billID, ErrNotFound)
		}
		return bucket.Delete(seqKey(seq))
	})
}

// MarkVersionError sets the version status to error with the given message
func (b *BoltDB) MarkVersionError(billID, versionID, message string) error {
	seq, err := parseVersionID(versionID)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(versionsBucketName)).Bucket([]byte(billID))
		var version AnalysisVersion
		if bucket == nil || !getJSON(bucket, seqKey(seq), &version) {
			return fmt.Errorf("version %s of bill %s: %w", versionID, billID, ErrNotFound)
		}
		version.Status = VersionError
		version.Error = message
		return putJSON(bucket, seqKey(seq), &version)
	})
}

// SaveProfile saves a user profile
func (b *BoltDB) SaveProfile(profile *UserProfile) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return putJSON(tx.Bucket([]byte(profilesBucketName)), []byte(profile.UserID), profile)
	})
}

// GetProfile retrieves a user profile
func (b *BoltDB) GetProfile(userID string) (*UserProfile, error) {
	var profile UserProfile
	err := b.db.View(func(tx *bbolt.Tx) error {
		if !getJSON(tx.Bucket([]byte(profilesBucketName)), []byte(userID), &profile) {
			return fmt.Errorf("profile %s: %w", userID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
