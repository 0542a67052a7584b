package events

import (
	"context"
	"fmt"
)

// Document is an entity snapshot loaded from durable storage. The shape
// is owned by the persistence layer; helpers treat it as opaque JSON.
type Document = map[string]interface{}

// Directory loads durable entities for payload composition. Helpers only
// ever emit for entities that already persisted, so every lookup failure
// is a deterministic local error, not a retry candidate.
type Directory interface {
	User(ctx context.Context, id string) (Document, error)
	Booking(ctx context.Context, id string) (Document, error)
	Tool(ctx context.Context, id string) (Document, error)
	QRCode(ctx context.Context, code string) (Document, error)
}

// DomainEmitter wraps Emitter with payload composition for the back
// office's domain events.
type DomainEmitter struct {
	emitter   *Emitter
	directory Directory
}

// NewDomainEmitter creates a domain-aware emitter.
func NewDomainEmitter(emitter *Emitter, directory Directory) *DomainEmitter {
	return &DomainEmitter{emitter: emitter, directory: directory}
}

// EmitQRScanned emits qr.scanned with the QR code joined to the scanning
// user. Delivery is detached; the scan handler never waits on it.
func (d *DomainEmitter) EmitQRScanned(ctx context.Context, ownerID, qrCode, scannedBy string) error {
	qr, err := d.directory.QRCode(ctx, qrCode)
	if err != nil {
		return fmt.Errorf("failed to load qr code %s: %w", qrCode, err)
	}
	user, err := d.directory.User(ctx, scannedBy)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", scannedBy, err)
	}

	d.emitter.EmitDetached(ctx, ownerID, EventQRScanned, Document{
		"qrCode":    qr,
		"scannedBy": user,
	}, nil)
	return nil
}

// EmitBookingCreated emits booking.created with the booking's linked
// user and tool embedded.
func (d *DomainEmitter) EmitBookingCreated(ctx context.Context, ownerID, bookingID string) error {
	data, err := d.composeBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	d.emitter.EmitDetached(ctx, ownerID, EventBookingCreated, data, nil)
	return nil
}

// EmitBookingUpdated emits booking.updated; metadata carries the
// field-level diff between the previous and current state.
func (d *DomainEmitter) EmitBookingUpdated(ctx context.Context, ownerID, bookingID string, before, after Document) error {
	data, err := d.composeBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	d.emitter.EmitDetached(ctx, ownerID, EventBookingUpdated, data, Document{
		"changes": FieldDiff(before, after),
	})
	return nil
}

// EmitUserUpdated emits user.updated with the field-level diff.
func (d *DomainEmitter) EmitUserUpdated(ctx context.Context, ownerID, userID string, before, after Document) error {
	user, err := d.directory.User(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load user %s: %w", userID, err)
	}
	d.emitter.EmitDetached(ctx, ownerID, EventUserUpdated, Document{"user": user}, Document{
		"changes": FieldDiff(before, after),
	})
	return nil
}

// EmitContactTagChanged emits contact.tag_added or contact.tag_removed.
func (d *DomainEmitter) EmitContactTagChanged(ctx context.Context, ownerID, contactID, tag string, added bool) error {
	user, err := d.directory.User(ctx, contactID)
	if err != nil {
		return fmt.Errorf("failed to load contact %s: %w", contactID, err)
	}

	event := EventContactTagRemoved
	if added {
		event = EventContactTagAdded
	}
	d.emitter.EmitDetached(ctx, ownerID, event, Document{
		"contact": user,
		"tag":     tag,
	}, nil)
	return nil
}

func (d *DomainEmitter) composeBooking(ctx context.Context, bookingID string) (Document, error) {
	booking, err := d.directory.Booking(ctx, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to load booking %s: %w", bookingID, err)
	}

	data := Document{"booking": booking}

	if userID, ok := booking["userId"].(string); ok && userID != "" {
		user, err := d.directory.User(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load booking user %s: %w", userID, err)
		}
		data["user"] = user
	}
	if toolID, ok := booking["toolId"].(string); ok && toolID != "" {
		tool, err := d.directory.Tool(ctx, toolID)
		if err != nil {
			return nil, fmt.Errorf("failed to load booking tool %s: %w", toolID, err)
		}
		data["tool"] = tool
	}

	return data, nil
}

// FieldDiff returns the fields whose values differ between before and
// after, as {field: {"from": old, "to": new}}. Fields only present on
// one side are included.
func FieldDiff(before, after Document) Document {
	diff := Document{}

	for key, oldVal := range before {
		newVal, exists := after[key]
		if !exists {
			diff[key] = Document{"from": oldVal, "to": nil}
			continue
		}
		if fmt.Sprintf("%v", oldVal) != fmt.Sprintf("%v", newVal) {
			diff[key] = Document{"from": oldVal, "to": newVal}
		}
	}
	for key, newVal := range after {
		if _, exists := before[key]; !exists {
			diff[key] = Document{"from": nil, "to": newVal}
		}
	}

	return diff
}
