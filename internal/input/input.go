// Package input loads the entity list of a run.
//
// Input is JSON or YAML, validated against an embedded CUE schema and then
// decoded into branches and customers in their original order.
package input

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/roach88/lamportbank/internal/customer"
	"github.com/roach88/lamportbank/internal/eventlog"
)

//go:embed schema.cue
var schemaSource string

// ErrNoRoute is returned when a customer cannot be bound to a branch.
var ErrNoRoute = errors.New("no branch for customer")

// Branch is a branch entity.
type Branch struct {
	ID      int
	Balance int64
}

// Customer is a customer entity. Branch is zero until routed unless the
// entity names its branch.
type Customer struct {
	ID       int
	Branch   int
	Requests []customer.Request
}

// Input is the decoded entity list.
type Input struct {
	Branches  []Branch
	Customers []Customer
}

// BranchIDs returns the branch ids in input order.
func (in *Input) BranchIDs() []int {
	ids := make([]int, len(in.Branches))
	for i, b := range in.Branches {
		ids[i] = b.ID
	}
	return ids
}

type rawEntity struct {
	Type     string       `json:"type"`
	ID       int          `json:"id"`
	Balance  int64        `json:"balance"`
	Branch   int          `json:"branch"`
	Requests []rawRequest `json:"customer-requests"`
}

type rawRequest struct {
	Interface         string `json:"interface"`
	Money             int64  `json:"money"`
	CustomerRequestID int64  `json:"customer-request-id"`
}

// Load reads and parses the input file at path.
func Load(path string) (*Input, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	in, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return in, nil
}

// Parse decodes and validates an entity list. JSON is accepted as YAML.
func Parse(data []byte) (*Input, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse input: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("input is empty")
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}

	value := schema.LookupPath(cue.ParsePath("#Input")).Unify(ctx.Encode(doc))
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("input does not match schema: %w", err)
	}

	var raw []rawEntity
	if err := value.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode input: %w", err)
	}
	return build(raw)
}

func build(raw []rawEntity) (*Input, error) {
	in := &Input{}
	branches := make(map[int]bool)
	customers := make(map[int]bool)

	for _, e := range raw {
		switch e.Type {
		case "branch":
			if branches[e.ID] {
				return nil, fmt.Errorf("duplicate branch id %d", e.ID)
			}
			branches[e.ID] = true
			in.Branches = append(in.Branches, Branch{ID: e.ID, Balance: e.Balance})

		case "customer":
			if customers[e.ID] {
				return nil, fmt.Errorf("duplicate customer id %d", e.ID)
			}
			customers[e.ID] = true
			c := Customer{ID: e.ID, Branch: e.Branch, Requests: make([]customer.Request, len(e.Requests))}
			for i, r := range e.Requests {
				c.Requests[i] = customer.Request{
					Interface:         eventlog.Interface(r.Interface),
					Amount:            r.Money,
					CustomerRequestID: r.CustomerRequestID,
				}
			}
			in.Customers = append(in.Customers, c)
		}
	}

	if len(in.Branches) == 0 {
		return nil, fmt.Errorf("input defines no branches")
	}
	return in, nil
}

// Route binds every customer to a branch: the branch the entity names, else
// routing[customer id], else the branch with the customer's id when byID is
// set. The chosen branch must exist.
func (in *Input) Route(routing map[int]int, byID bool) error {
	known := make(map[int]bool, len(in.Branches))
	for _, b := range in.Branches {
		known[b.ID] = true
	}

	for i := range in.Customers {
		c := &in.Customers[i]
		target := c.Branch
		if target == 0 {
			target = routing[c.ID]
		}
		if target == 0 && byID {
			target = c.ID
		}
		if target == 0 {
			return fmt.Errorf("customer %d: %w", c.ID, ErrNoRoute)
		}
		if !known[target] {
			return fmt.Errorf("customer %d: branch %d is not defined: %w", c.ID, target, ErrNoRoute)
		}

		c.Branch = target
		for j := range c.Requests {
			c.Requests[j].BranchID = target
		}
	}
	return nil
}
