package document

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/nimburion/docrepo/pkg/observability/logger"
	"github.com/nimburion/docrepo/pkg/repository"
	"github.com/nimburion/docrepo/pkg/repository/patch"
	"github.com/nimburion/docrepo/pkg/repository/query"
)

const (
	dynamoRewriteAttempts = 5
	dynamoMaxTransactSize = 100
	dynamoMaxBatchGet     = 100
	dynamoTablePollEvery  = 500 * time.Millisecond
)

// Condition expressions of conditional writes.
const (
	dynamoCondLive   = "(attribute_not_exists(#exp) OR #exp > :now)"
	dynamoCondAbsent = "attribute_not_exists(#id) OR #exp <= :now"
	dynamoCondExists = "attribute_exists(#id) AND " + dynamoCondLive
	dynamoCondSeen   = "#etag = :etag"
)

// DynamoConfig configures a DynamoProvider.
type DynamoConfig struct {
	// TablePrefix is prepended to container names to form table names.
	TablePrefix string
	// CreateTables makes EnsureContainer create missing tables on demand billing.
	CreateTables   bool
	StreamPageSize int
}

// DynamoProvider stores each container in a table keyed by _pk (hash) and _id
// (range). The document body is one map attribute; _etag, _ts and the TTL attribute
// _expiresAt sit next to it.
//
// Reads that are not point reads query the partition, or scan the table when no
// partition is given, then filter, sort and window on the client. Charge is the
// number of items read. Single writes are conditional puts; batches are one
// TransactWriteItems call and cannot touch the same document twice.
//
// Raw queries are PartiQL statements; @name placeholders become positional
// parameters.
type DynamoProvider struct {
	exec     DynamoExecutor
	cfg      DynamoConfig
	log      logger.Logger
	clock    func() time.Time
	pageSize int
	descs    *descriptorSet
}

// DynamoOption configures a DynamoProvider.
type DynamoOption func(*DynamoProvider)

// WithDynamoClock sets the time source for _ts and ttl expiry.
func WithDynamoClock(clock func() time.Time) DynamoOption {
	return func(p *DynamoProvider) { p.clock = clock }
}

// WithDynamoLogger sets the logger.
func WithDynamoLogger(log logger.Logger) DynamoOption {
	return func(p *DynamoProvider) { p.log = log }
}

// NewDynamoProvider creates a provider over exec.
func NewDynamoProvider(exec DynamoExecutor, cfg DynamoConfig, opts ...DynamoOption) (*DynamoProvider, error) {
	if exec == nil {
		return nil, fmt.Errorf("dynamodb executor is required")
	}
	p := &DynamoProvider{
		exec:     exec,
		cfg:      cfg,
		log:      logger.NewNop(),
		clock:    time.Now,
		pageSize: cfg.StreamPageSize,
		descs:    newDescriptorSet(),
	}
	if p.pageSize <= 0 {
		p.pageSize = DefaultStreamPageSize
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func (p *DynamoProvider) table(container string) string {
	return p.cfg.TablePrefix + container
}

// EnsureContainer checks the table and, when CreateTables is set, creates a missing
// one and enables TTL on _expiresAt.
func (p *DynamoProvider) EnsureContainer(ctx context.Context, desc repository.ContainerDescriptor) error {
	table := p.table(desc.Name)
	_, err := p.exec.DescribeTable(ctx, &awsdynamodb.DescribeTableInput{TableName: aws.String(table)})
	var missing *types.ResourceNotFoundException
	switch {
	case err == nil:
	case errors.As(err, &missing) && p.cfg.CreateTables:
		if err := p.createTable(ctx, table); err != nil {
			return err
		}
	default:
		return fmt.Errorf("describe table %s: %w", table, err)
	}
	p.descs.put(desc)
	return nil
}

func (p *DynamoProvider) createTable(ctx context.Context, table string) error {
	_, err := p.exec.CreateTable(ctx, &awsdynamodb.CreateTableInput{
		TableName: aws.String(table),
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(dynamoPartitionAttr), AttributeType: types.ScalarAttributeTypeS},
			{AttributeName: aws.String(dynamoIDAttr), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(dynamoPartitionAttr), KeyType: types.KeyTypeHash},
			{AttributeName: aws.String(dynamoIDAttr), KeyType: types.KeyTypeRange},
		},
		BillingMode: types.BillingModePayPerRequest,
	})
	var inUse *types.ResourceInUseException
	if err != nil && !errors.As(err, &inUse) {
		return fmt.Errorf("create table %s: %w", table, err)
	}
	for {
		out, err := p.exec.DescribeTable(ctx, &awsdynamodb.DescribeTableInput{TableName: aws.String(table)})
		if err != nil {
			return fmt.Errorf("describe table %s: %w", table, err)
		}
		if out.Table != nil && out.Table.TableStatus == types.TableStatusActive {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(dynamoTablePollEvery):
		}
	}
	_, err = p.exec.UpdateTimeToLive(ctx, &awsdynamodb.UpdateTimeToLiveInput{
		TableName: aws.String(table),
		TimeToLiveSpecification: &types.TimeToLiveSpecification{
			AttributeName: aws.String(dynamoExpiresAttr),
			Enabled:       aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("enable ttl on %s: %w", table, err)
	}
	p.log.Info("dynamodb table created", "table", table)
	return nil
}

// expired reports whether an item with the given expiry is past it. DynamoDB deletes
// expired items lazily.
func (p *DynamoProvider) expired(expires int64) bool {
	return expires > 0 && expires <= p.clock().Unix()
}

func (p *DynamoProvider) getItem(ctx context.Context, table string, key repository.Key) (repository.Document, bool, error) {
	out, err := p.exec.GetItem(ctx, &awsdynamodb.GetItemInput{
		TableName:      aws.String(table),
		Key:            dynamoKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key.ID, err)
	}
	if len(out.Item) == 0 {
		return nil, false, nil
	}
	doc, expires, err := fromDynamoItem(out.Item)
	if err != nil {
		return nil, false, err
	}
	if p.expired(expires) {
		return nil, false, nil
	}
	return doc, true, nil
}

// Get returns the document under key with a consistent read.
func (p *DynamoProvider) Get(ctx context.Context, container string, key repository.Key) (repository.Document, float64, error) {
	doc, ok, err := p.getItem(ctx, p.table(container), key)
	if err != nil {
		return nil, 0, err
	}
	if !ok {
		return nil, 1, repository.ErrNotFound
	}
	return doc, 1, nil
}

// GetMany reads keys in BatchGetItem chunks, retrying unprocessed keys.
func (p *DynamoProvider) GetMany(ctx context.Context, container string, keys []repository.Key) ([]repository.Document, float64, error) {
	table := p.table(container)
	var docs []repository.Document
	for start := 0; start < len(keys); start += dynamoMaxBatchGet {
		chunk := keys[start:min(start+dynamoMaxBatchGet, len(keys))]
		request := make([]map[string]types.AttributeValue, len(chunk))
		for i, k := range chunk {
			request[i] = dynamoKey(k)
		}
		pending := map[string]types.KeysAndAttributes{table: {Keys: request, ConsistentRead: aws.Bool(true)}}
		for len(pending) > 0 {
			if err := ctx.Err(); err != nil {
				return nil, 0, err
			}
			out, err := p.exec.BatchGetItem(ctx, &awsdynamodb.BatchGetItemInput{RequestItems: pending})
			if err != nil {
				return nil, 0, fmt.Errorf("get many: %w", err)
			}
			for _, item := range out.Responses[table] {
				doc, expires, err := fromDynamoItem(item)
				if err != nil {
					return nil, 0, err
				}
				if !p.expired(expires) {
					docs = append(docs, doc)
				}
			}
			pending = out.UnprocessedKeys
		}
	}
	return docs, float64(len(keys)), nil
}

// load reads every live document of a partition, or of the table when partition is
// empty, and reports how many items were read.
func (p *DynamoProvider) load(ctx context.Context, table, partition string) ([]repository.Document, int, error) {
	var (
		docs    []repository.Document
		scanned int
		start   map[string]types.AttributeValue
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		var (
			items []map[string]types.AttributeValue
			last  map[string]types.AttributeValue
		)
		if partition != "" {
			out, err := p.exec.Query(ctx, &awsdynamodb.QueryInput{
				TableName:                 aws.String(table),
				KeyConditionExpression:    aws.String("#pk = :pk"),
				ExpressionAttributeNames:  map[string]string{"#pk": dynamoPartitionAttr},
				ExpressionAttributeValues: map[string]types.AttributeValue{":pk": &types.AttributeValueMemberS{Value: partition}},
				ExclusiveStartKey:         start,
			})
			if err != nil {
				return nil, 0, fmt.Errorf("query %s: %w", table, err)
			}
			items, last = out.Items, out.LastEvaluatedKey
		} else {
			out, err := p.exec.Scan(ctx, &awsdynamodb.ScanInput{TableName: aws.String(table), ExclusiveStartKey: start})
			if err != nil {
				return nil, 0, fmt.Errorf("scan %s: %w", table, err)
			}
			items, last = out.Items, out.LastEvaluatedKey
		}
		scanned += len(items)
		for _, item := range items {
			doc, expires, err := fromDynamoItem(item)
			if err != nil {
				return nil, 0, err
			}
			if !p.expired(expires) {
				docs = append(docs, doc)
			}
		}
		if len(last) == 0 {
			return docs, scanned, nil
		}
		start = last
	}
}

func (p *DynamoProvider) match(ctx context.Context, container, partition string, pred query.Predicate) ([]repository.Document, int, error) {
	docs, scanned, err := p.load(ctx, p.table(container), partition)
	if err != nil {
		return nil, 0, err
	}
	out := docs[:0]
	for _, doc := range docs {
		ok, err := query.Match(pred, doc)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, scanned, nil
}

// Query filters, orders and windows the partition or table contents.
func (p *DynamoProvider) Query(ctx context.Context, container string, plan query.Plan) (repository.QueryResult, error) {
	docs, scanned, err := p.match(ctx, container, plan.PartitionKey, plan.Predicate())
	if err != nil {
		return repository.QueryResult{}, err
	}
	sortDocuments(docs, plan.Ordering())
	return repository.QueryResult{Documents: window(docs, plan.Skip, plan.Limit), Charge: float64(scanned)}, nil
}

// Stream pages through the result with keyset queries.
func (p *DynamoProvider) Stream(ctx context.Context, container string, plan query.Plan) iter.Seq2[repository.Document, error] {
	return paginate(ctx, plan, p.pageSize, func(ctx context.Context, next query.Plan) (repository.QueryResult, error) {
		return p.Query(ctx, container, next)
	})
}

// Count returns the number of matching documents.
func (p *DynamoProvider) Count(ctx context.Context, container string, filter query.Predicate) (int64, float64, error) {
	docs, scanned, err := p.match(ctx, container, "", filter)
	if err != nil {
		return 0, 0, err
	}
	return int64(len(docs)), float64(scanned), nil
}

// Raw runs a PartiQL statement and returns the live documents ordered by id.
func (p *DynamoProvider) Raw(ctx context.Context, container string, raw repository.RawQuery) (repository.QueryResult, error) {
	statement, params, err := bindPartiQL(raw)
	if err != nil {
		return repository.QueryResult{}, err
	}
	var (
		docs    []repository.Document
		scanned int
		token   *string
	)
	for {
		out, err := p.exec.ExecuteStatement(ctx, &awsdynamodb.ExecuteStatementInput{
			Statement:      aws.String(statement),
			Parameters:     params,
			NextToken:      token,
			ConsistentRead: aws.Bool(true),
		})
		if err != nil {
			return repository.QueryResult{}, fmt.Errorf("raw query %s: %w", container, err)
		}
		scanned += len(out.Items)
		for _, item := range out.Items {
			doc, expires, err := fromDynamoItem(item)
			if err != nil {
				return repository.QueryResult{}, err
			}
			if !p.expired(expires) {
				docs = append(docs, doc)
			}
		}
		if out.NextToken == nil {
			break
		}
		token = out.NextToken
	}
	sortDocuments(docs, query.WithTiebreak(nil))
	return repository.QueryResult{Documents: docs, Charge: float64(scanned)}, nil
}

// bindPartiQL rewrites @name placeholders as positional parameters.
func bindPartiQL(raw repository.RawQuery) (string, []types.AttributeValue, error) {
	var (
		params  []types.AttributeValue
		bindErr error
	)
	statement := rawParamPattern.ReplaceAllStringFunc(strings.TrimSpace(raw.Text), func(m string) string {
		if bindErr != nil {
			return m
		}
		v, ok := raw.Params[m[1:]]
		if !ok {
			bindErr = fmt.Errorf("%w: missing parameter %s", query.ErrInvalidPredicate, m)
			return m
		}
		normalized, err := patch.Normalize(v)
		if err != nil {
			bindErr = err
			return m
		}
		av, err := toAttributeValue(normalized)
		if err != nil {
			bindErr = fmt.Errorf("%w: parameter %s: %v", query.ErrInvalidPredicate, m, err)
			return m
		}
		params = append(params, av)
		return "?"
	})
	if bindErr != nil {
		return "", nil, bindErr
	}
	if statement == "" {
		return "", nil, fmt.Errorf("%w: empty statement", query.ErrInvalidPredicate)
	}
	return statement, params, nil
}

// Create stores a new document, overwriting an expired one under the same key.
func (p *DynamoProvider) Create(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	w := p.writer(container)
	doc := clone(req.Document)
	err := w.put(ctx, req.Key, doc, dynamoCondAbsent, "")
	if isConditionFailed(err) {
		return repository.WriteResult{}, repository.ErrConflict
	}
	return p.written(doc, err)
}

// Upsert creates or replaces a document.
func (p *DynamoProvider) Upsert(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	w := p.writer(container)
	if req.ReadsStored() {
		return p.written(w.rewrite(ctx, req.Key, true, req.Merge))
	}
	doc := clone(req.Document)
	if req.IfMatch == "" {
		return p.written(doc, w.put(ctx, req.Key, doc, "", ""))
	}
	err := w.put(ctx, req.Key, doc, dynamoCondExists+" AND "+dynamoCondSeen, req.IfMatch)
	if isConditionFailed(err) {
		return repository.WriteResult{}, repository.ErrPreconditionFailed
	}
	return p.written(doc, err)
}

// Replace overwrites an existing document.
func (p *DynamoProvider) Replace(ctx context.Context, container string, req repository.WriteRequest) (repository.WriteResult, error) {
	w := p.writer(container)
	if req.ReadsStored() {
		return p.written(w.rewrite(ctx, req.Key, false, req.Merge))
	}
	doc := clone(req.Document)
	cond := dynamoCondExists
	if req.IfMatch != "" {
		cond += " AND " + dynamoCondSeen
	}
	err := w.put(ctx, req.Key, doc, cond, req.IfMatch)
	if isConditionFailed(err) {
		return repository.WriteResult{}, w.missing(ctx, req.Key)
	}
	return p.written(doc, err)
}

// Patch reads, applies and conditionally writes the document, retrying when a
// concurrent writer changed it in between.
func (p *DynamoProvider) Patch(ctx context.Context, container string, req repository.PatchRequest) (repository.WriteResult, error) {
	return p.written(p.writer(container).rewrite(ctx, req.Key, false, func(current repository.Document) (repository.Document, error) {
		return patchDocument(current, req)
	}))
}

// Delete removes a document.
func (p *DynamoProvider) Delete(ctx context.Context, container string, req repository.DeleteRequest) (repository.WriteResult, error) {
	w := p.writer(container)
	cond := dynamoCondExists
	if req.IfMatch != "" {
		cond += " AND " + dynamoCondSeen
	}
	expr, names, values := w.condition(cond, req.IfMatch)
	_, err := p.exec.DeleteItem(ctx, &awsdynamodb.DeleteItemInput{
		TableName:                 aws.String(w.table),
		Key:                       dynamoKey(req.Key),
		ConditionExpression:       expr,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		return repository.WriteResult{}, w.missing(ctx, req.Key)
	}
	if err != nil {
		return repository.WriteResult{}, fmt.Errorf("delete %s: %w", req.Key.ID, err)
	}
	return repository.WriteResult{Charge: 1}, nil
}

// Batch reads the current state of every item, computes the post-images and commits
// them in one transaction conditioned on the state it read.
func (p *DynamoProvider) Batch(ctx context.Context, container string, req repository.BatchRequest) (repository.BatchResult, error) {
	if len(req.Operations) > dynamoMaxTransactSize {
		return repository.BatchResult{}, fmt.Errorf("%w: batches are limited to %d operations", repository.ErrUnsupported, dynamoMaxTransactSize)
	}
	w := p.writer(container)
	seen := make(map[repository.Key]bool, len(req.Operations))
	items := make([]repository.BatchItemResult, len(req.Operations))
	writes := make([]types.TransactWriteItem, len(req.Operations))
	for i, op := range req.Operations {
		if op.Key.PartitionKey != req.PartitionKey {
			return repository.BatchResult{}, fmt.Errorf("item %d: %w", i, repository.ErrPartitionMismatch)
		}
		if seen[op.Key] {
			return repository.BatchResult{}, fmt.Errorf("item %d: %w: document %s appears twice", i, repository.ErrUnsupported, op.Key.ID)
		}
		seen[op.Key] = true
		doc, write, err := w.stage(ctx, op)
		if err != nil {
			return repository.BatchResult{}, fmt.Errorf("item %d: %w", i, err)
		}
		writes[i] = write
		items[i] = repository.BatchItemResult{Key: op.Key, Document: doc, ETag: repository.ETagOf(doc)}
	}
	if len(writes) > 0 {
		_, err := p.exec.TransactWriteItems(ctx, &awsdynamodb.TransactWriteItemsInput{TransactItems: writes})
		if err != nil {
			return repository.BatchResult{}, transactionError(err)
		}
	}
	return repository.BatchResult{Atomic: true, Items: items, Charge: float64(len(items))}, nil
}

// Close is a no-op; the adapter belongs to the caller.
func (p *DynamoProvider) Close() error { return nil }

func (p *DynamoProvider) written(doc repository.Document, err error) (repository.WriteResult, error) {
	if err != nil {
		return repository.WriteResult{}, err
	}
	return repository.Result(doc, 1), nil
}

func (p *DynamoProvider) writer(container string) dynamoWriter {
	return dynamoWriter{p: p, table: p.table(container), desc: p.descs.get(container)}
}

// transactionError maps the first failed condition of a canceled transaction to its
// item.
func transactionError(err error) error {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return fmt.Errorf("batch: %w", err)
	}
	for i, reason := range canceled.CancellationReasons {
		if aws.ToString(reason.Code) == "ConditionalCheckFailed" {
			return fmt.Errorf("item %d: %w: changed concurrently", i, repository.ErrPreconditionFailed)
		}
	}
	return fmt.Errorf("batch: %w", err)
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func patchDocument(current repository.Document, req repository.PatchRequest) (repository.Document, error) {
	if err := repository.CheckETag(current, req.IfMatch); err != nil {
		return nil, err
	}
	ok, err := query.Match(req.Condition, current)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, repository.ErrConditionFailed
	}
	return patch.Apply(current, req.Operations)
}

// dynamoWriter applies the write rules to one table.
type dynamoWriter struct {
	p     *DynamoProvider
	table string
	desc  repository.ContainerDescriptor
}

// condition returns cond with only the attribute names and values it references, as
// DynamoDB rejects unused ones. An empty cond yields no condition.
func (w dynamoWriter) condition(cond, etag string) (*string, map[string]string, map[string]types.AttributeValue) {
	if cond == "" {
		return nil, nil, nil
	}
	names := map[string]string{}
	for alias, attr := range map[string]string{"#id": dynamoIDAttr, "#exp": dynamoExpiresAttr, "#etag": dynamoETagAttr} {
		if strings.Contains(cond, alias) {
			names[alias] = attr
		}
	}
	values := map[string]types.AttributeValue{}
	if strings.Contains(cond, ":now") {
		values[":now"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(w.p.clock().Unix(), 10)}
	}
	if strings.Contains(cond, ":etag") {
		values[":etag"] = &types.AttributeValueMemberS{Value: etag}
	}
	return aws.String(cond), names, values
}

// item stamps doc and encodes it after checking unique keys.
func (w dynamoWriter) item(ctx context.Context, key repository.Key, doc repository.Document) (map[string]types.AttributeValue, error) {
	if err := w.checkUnique(ctx, key, doc); err != nil {
		return nil, err
	}
	repository.Stamp(doc, w.p.clock())
	var expires int64
	if exp := repository.ExpiresAt(doc, w.desc.DefaultTTL); !exp.IsZero() {
		expires = exp.Unix()
	}
	return dynamoItem(key, doc, expires)
}

func (w dynamoWriter) put(ctx context.Context, key repository.Key, doc repository.Document, cond, etag string) error {
	item, err := w.item(ctx, key, doc)
	if err != nil {
		return err
	}
	expr, names, values := w.condition(cond, etag)
	_, err = w.p.exec.PutItem(ctx, &awsdynamodb.PutItemInput{
		TableName:                 aws.String(w.table),
		Item:                      item,
		ConditionExpression:       expr,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("put %s: %w", key.ID, err)
	}
	return err
}

// checkUnique reads the partition for another live document with the same unique key
// values. DynamoDB has no unique indexes, so concurrent writers can still race.
func (w dynamoWriter) checkUnique(ctx context.Context, key repository.Key, doc repository.Document) error {
	if len(w.desc.UniqueKeys) == 0 {
		return nil
	}
	others, _, err := w.p.load(ctx, w.table, key.PartitionKey)
	if err != nil {
		return err
	}
	for _, uk := range w.desc.UniqueKeys {
		want := uniqueValues(doc, uk)
		for _, other := range others {
			if id, _ := other[query.IDField].(string); id == key.ID {
				continue
			}
			if slicesEqual(uniqueValues(other, uk), want) {
				return fmt.Errorf("%w: unique key %s violated", repository.ErrConflict, uk.Name)
			}
		}
	}
	return nil
}

// missing tells a missing document from a stale tag after a conditional write failed.
func (w dynamoWriter) missing(ctx context.Context, key repository.Key) error {
	_, ok, err := w.p.getItem(ctx, w.table, key)
	if err != nil {
		return err
	}
	if !ok {
		return repository.ErrNotFound
	}
	return repository.ErrPreconditionFailed
}

// rewrite reads the live document, computes its successor with next and puts it
// conditioned on the state it read. next receives nil for a missing document when
// insert is set; otherwise a missing document is ErrNotFound.
func (w dynamoWriter) rewrite(ctx context.Context, key repository.Key, insert bool, next func(repository.Document) (repository.Document, error)) (repository.Document, error) {
	for attempt := 0; attempt < dynamoRewriteAttempts; attempt++ {
		current, ok, err := w.p.getItem(ctx, w.table, key)
		if err != nil {
			return nil, err
		}
		if !ok && !insert {
			return nil, repository.ErrNotFound
		}
		doc, err := next(current)
		if err != nil {
			return nil, err
		}
		cond, etag := dynamoCondSeen, repository.ETagOf(current)
		if current == nil {
			cond, etag = dynamoCondAbsent, ""
		}
		err = w.put(ctx, key, doc, cond, etag)
		if !isConditionFailed(err) {
			return doc, err
		}
		w.p.log.Debug("concurrent write detected, retrying", "table", w.table, "id", key.ID, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("%w: document kept changing during write", repository.ErrPreconditionFailed)
}

// stage validates op against the stored state and returns the transaction write.
func (w dynamoWriter) stage(ctx context.Context, op repository.BatchOperation) (repository.Document, types.TransactWriteItem, error) {
	current, exists, err := w.p.getItem(ctx, w.table, op.Key)
	if err != nil {
		return nil, types.TransactWriteItem{}, err
	}
	var doc repository.Document
	cond, etag := dynamoCondSeen, repository.ETagOf(current)
	switch op.Kind {
	case repository.BatchCreate:
		if exists {
			return nil, types.TransactWriteItem{}, repository.ErrConflict
		}
		doc, cond, etag = clone(op.Document), dynamoCondAbsent, ""
	case repository.BatchUpsert:
		if !exists {
			cond, etag = dynamoCondAbsent, ""
		}
		doc, err = op.WriteRequest().Merge(current)
		if err != nil {
			return nil, types.TransactWriteItem{}, err
		}
	case repository.BatchReplace:
		if !exists {
			return nil, types.TransactWriteItem{}, repository.ErrNotFound
		}
		doc, err = op.WriteRequest().Merge(current)
		if err != nil {
			return nil, types.TransactWriteItem{}, err
		}
	case repository.BatchDelete:
		if !exists {
			return nil, types.TransactWriteItem{}, repository.ErrNotFound
		}
		if err := repository.CheckETag(current, op.IfMatch); err != nil {
			return nil, types.TransactWriteItem{}, err
		}
		expr, names, values := w.condition(cond, etag)
		return nil, types.TransactWriteItem{Delete: &types.Delete{
			TableName:                 aws.String(w.table),
			Key:                       dynamoKey(op.Key),
			ConditionExpression:       expr,
			ExpressionAttributeNames:  names,
			ExpressionAttributeValues: values,
		}}, nil
	case repository.BatchPatch:
		if !exists {
			return nil, types.TransactWriteItem{}, repository.ErrNotFound
		}
		doc, err = patchDocument(current, op.PatchRequest())
		if err != nil {
			return nil, types.TransactWriteItem{}, err
		}
	default:
		return nil, types.TransactWriteItem{}, fmt.Errorf("unknown batch operation %q", op.Kind)
	}
	item, err := w.item(ctx, op.Key, doc)
	if err != nil {
		return nil, types.TransactWriteItem{}, err
	}
	expr, names, values := w.condition(cond, etag)
	return doc, types.TransactWriteItem{Put: &types.Put{
		TableName:                 aws.String(w.table),
		Item:                      item,
		ConditionExpression:       expr,
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	}}, nil
}
