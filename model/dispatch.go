package model

import (
	"fmt"
	"strings"
)

// Collection names used by the dispatch backend.
const (
	CollectionRiders    = "active_riders"
	CollectionCustomers = "customers"
	CollectionOrders    = "orders"
)

// OrderStatusCompleted marks an order that no longer needs dispatching.
const OrderStatusCompleted = "completed"

// Rider is the typed view of an active_riders document.
type Rider struct {
	Key      string
	Name     string
	Phone    string
	Online   bool
	Position LatLng
}

// RiderFromFields decodes a rider, failing only when it cannot be placed.
func RiderFromFields(key string, f Fields) (Rider, error) {
	pos, err := f.Position()
	if err != nil {
		return Rider{}, fmt.Errorf("rider %q: %w", key, err)
	}
	online, _ := f.Bool("online")
	return Rider{
		Key:      key,
		Name:     f.String("name"),
		Phone:    f.String("phone"),
		Online:   online,
		Position: pos,
	}, nil
}

// Label is the popup text shown on the rider marker.
func (r Rider) Label() string {
	name := strings.TrimSpace(r.Name)
	if name == "" {
		name = "Rider"
	}
	return "🚴 " + name
}

// Customer is the typed view of a customers document.
type Customer struct {
	Key      string
	Name     string
	Phone    string
	Position LatLng
}

// CustomerFromFields decodes a customer, failing only when it cannot be placed.
func CustomerFromFields(key string, f Fields) (Customer, error) {
	pos, err := f.Position()
	if err != nil {
		return Customer{}, fmt.Errorf("customer %q: %w", key, err)
	}
	return Customer{
		Key:      key,
		Name:     f.String("name"),
		Phone:    f.String("phone"),
		Position: pos,
	}, nil
}

// Label is the popup text shown on the customer marker.
func (c Customer) Label() string {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = "Customer"
	}
	if c.Phone != "" {
		return name + " (" + c.Phone + ")"
	}
	return name
}

// Order is the typed view of an orders document.
type Order struct {
	Key           string
	Status        string
	Item          string
	Fee           float64
	HasFee        bool
	CustomerName  string
	CustomerPhone string
	Pickup        LatLng
	Dropoff       LatLng
}

// OrderFromFields decodes an order. Both pickup and dropoff are required.
func OrderFromFields(key string, f Fields) (Order, error) {
	pickup, err := f.NestedPosition("pickup")
	if err != nil {
		return Order{}, fmt.Errorf("order %q pickup: %w", key, err)
	}
	dropoff, err := f.NestedPosition("dropoff")
	if err != nil {
		return Order{}, fmt.Errorf("order %q dropoff: %w", key, err)
	}
	fee, hasFee := f.Number("fee")
	return Order{
		Key:           key,
		Status:        f.String("status"),
		Item:          f.String("item"),
		Fee:           fee,
		HasFee:        hasFee,
		CustomerName:  f.String("customerName"),
		CustomerPhone: f.String("customerPhone"),
		Pickup:        pickup,
		Dropoff:       dropoff,
	}, nil
}

// Completed reports whether the order reached its terminal status.
func (o Order) Completed() bool {
	return o.Status == OrderStatusCompleted
}

// Label summarises the order for the route popup.
func (o Order) Label() string {
	parts := make([]string, 0, 4)
	if o.Item != "" {
		parts = append(parts, o.Item)
	}
	if o.HasFee {
		parts = append(parts, fmt.Sprintf("fee %.0f", o.Fee))
	}
	if o.CustomerName != "" {
		parts = append(parts, o.CustomerName)
	}
	if o.CustomerPhone != "" {
		parts = append(parts, o.CustomerPhone)
	}
	if len(parts) == 0 {
		return "Order " + o.Key
	}
	return strings.Join(parts, " · ")
}
